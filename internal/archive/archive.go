package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
)

// MaxEntryBytes bounds the uncompressed size of a single archive entry
const MaxEntryBytes = 512 * 1024 * 1024

// entryLimit is the cap readEntry enforces
var entryLimit int64 = MaxEntryBytes

// Chat transcript names tried in order before falling back to chatFilePattern
var chatFileNames = []string{"_chat.txt", "chat.txt", "WhatsApp Chat.txt"}

var (
	chatFilePattern  = regexp.MustCompile(`(?i)chat.*\.txt$`)
	audioExtPattern  = regexp.MustCompile(`(?i)\.(opus|mp3|m4a|wav|ogg)$`)
	macResourceForks = "__MACOSX/"
)

// Attachment is one audio entry of an export, as stored in the archive.
// Err is set, and Data empty, when the entry could not be read.
type Attachment struct {
	Name string
	Data []byte
	Err  error
}

// Size returns the attachment length in bytes
func (a Attachment) Size() int {
	return len(a.Data)
}

// Export is the content of a WhatsApp chat export archive
type Export struct {
	// ChatFile is the archive path of the chat transcript, empty if none was found
	ChatFile string
	ChatText string

	// Audio lists audio attachments in archive order
	Audio []Attachment
}

// IsAudioFile reports whether an archive entry name looks like an audio attachment
func IsAudioFile(name string) bool {
	return audioExtPattern.MatchString(name) ||
		strings.Contains(name, "PTT-") ||
		strings.Contains(name, "audio")
}

// Open reads the export archive at filePath
func Open(filePath string) (*Export, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return Read(data)
}

// Read parses an export archive held in memory
func Read(data []byte) (*Export, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	export := &Export{}
	var textFiles []*zip.File

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, macResourceForks) {
			continue
		}

		if strings.HasSuffix(strings.ToLower(f.Name), ".txt") {
			textFiles = append(textFiles, f)
			continue
		}

		if !IsAudioFile(f.Name) {
			continue
		}

		// An unreadable attachment is kept so it still gets a transcript entry
		content, err := readEntry(f)
		export.Audio = append(export.Audio, Attachment{Name: f.Name, Data: content, Err: err})
	}

	if chat := findChatFile(textFiles); chat != nil {
		content, err := readEntry(chat)
		if err != nil {
			return nil, err
		}
		export.ChatFile = chat.Name
		export.ChatText = string(content)
	}

	return export, nil
}

// findChatFile picks the chat transcript among the archive's text entries
func findChatFile(files []*zip.File) *zip.File {
	for _, name := range chatFileNames {
		for _, f := range files {
			if f.Name == name || path.Base(f.Name) == name {
				return f
			}
		}
	}

	for _, f := range files {
		if chatFilePattern.MatchString(f.Name) {
			return f
		}
	}

	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > uint64(entryLimit) {
		return nil, fmt.Errorf("archive entry %s too large: %d bytes (max %d)", f.Name, f.UncompressedSize64, entryLimit)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, entryLimit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
	}

	if int64(len(content)) > entryLimit {
		return nil, fmt.Errorf("archive entry %s too large (max %d bytes)", f.Name, entryLimit)
	}

	return content, nil
}
