package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	name    string
	content string
}

func buildZip(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("Failed to create entry %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.content)); err != nil {
			t.Fatalf("Failed to write entry %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func TestIsAudioFile(t *testing.T) {
	tests := []struct {
		name   string
		expect bool
	}{
		{"00000012-AUDIO-2024-01-05-10-22-31.opus", true},
		{"voice.OPUS", true},
		{"song.mp3", true},
		{"memo.m4a", true},
		{"clip.wav", true},
		{"clip.ogg", true},
		{"PTT-20240105-WA0003", true},
		{"my_audio_note.bin", true},
		{"photo.jpg", false},
		{"_chat.txt", false},
		{"document.pdf", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAudioFile(tt.name); got != tt.expect {
				t.Errorf("Expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func TestReadExport(t *testing.T) {
	data := buildZip(t, []entry{
		{"_chat.txt", "[05/01/2024, 10:22:31] Ana: <attached: 00000012-AUDIO.opus>"},
		{"00000012-AUDIO.opus", "opus-bytes"},
		{"IMG-001.jpg", "jpeg-bytes"},
		{"PTT-20240105-WA0003.m4a", "m4a-bytes"},
		{"__MACOSX/._00000012-AUDIO.opus", "resource fork"},
	})

	export, err := Read(data)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if export.ChatFile != "_chat.txt" {
		t.Errorf("Expected chat file _chat.txt, got %q", export.ChatFile)
	}
	if export.ChatText == "" {
		t.Error("Expected chat text to be loaded")
	}

	if len(export.Audio) != 2 {
		t.Fatalf("Expected 2 audio attachments, got %d", len(export.Audio))
	}
	if export.Audio[0].Name != "00000012-AUDIO.opus" || export.Audio[1].Name != "PTT-20240105-WA0003.m4a" {
		t.Errorf("Unexpected attachment order: %s, %s", export.Audio[0].Name, export.Audio[1].Name)
	}
	if string(export.Audio[1].Data) != "m4a-bytes" {
		t.Errorf("Expected attachment bytes preserved, got %q", export.Audio[1].Data)
	}
	if export.Audio[0].Size() != len("opus-bytes") {
		t.Errorf("Expected size %d, got %d", len("opus-bytes"), export.Audio[0].Size())
	}
}

func TestReadKeepsOversizedAttachment(t *testing.T) {
	saved := entryLimit
	entryLimit = 16
	t.Cleanup(func() { entryLimit = saved })

	data := buildZip(t, []entry{
		{"_chat.txt", "chat"},
		{"PTT-1.opus", "small"},
		{"PTT-2.opus", "this voice note is larger than the limit"},
		{"PTT-3.opus", "also small"},
	})

	export, err := Read(data)
	if err != nil {
		t.Fatalf("Expected oversized attachment not to reject the export, got %v", err)
	}

	if len(export.Audio) != 3 {
		t.Fatalf("Expected 3 audio attachments, got %d", len(export.Audio))
	}

	big := export.Audio[1]
	if big.Name != "PTT-2.opus" || big.Err == nil {
		t.Errorf("Expected PTT-2.opus to carry a read error, got %+v", big)
	}
	if big.Size() != 0 {
		t.Errorf("Expected no data for the oversized attachment, got %d bytes", big.Size())
	}

	for _, i := range []int{0, 2} {
		if export.Audio[i].Err != nil {
			t.Errorf("Expected %s to be readable, got %v", export.Audio[i].Name, export.Audio[i].Err)
		}
	}
	if string(export.Audio[2].Data) != "also small" {
		t.Errorf("Expected attachment bytes preserved, got %q", export.Audio[2].Data)
	}
}

func TestChatFileDiscovery(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		expect  string
	}{
		{
			name:    "preferred name wins over pattern",
			entries: []entry{{"My chat export.txt", "a"}, {"chat.txt", "b"}},
			expect:  "chat.txt",
		},
		{
			name:    "priority order",
			entries: []entry{{"WhatsApp Chat.txt", "a"}, {"_chat.txt", "b"}},
			expect:  "_chat.txt",
		},
		{
			name:    "pattern fallback is case insensitive",
			entries: []entry{{"notes.txt", "a"}, {"WhatsApp CHAT with Bob.TXT", "b"}},
			expect:  "WhatsApp CHAT with Bob.TXT",
		},
		{
			name:    "nested directory",
			entries: []entry{{"export/_chat.txt", "a"}},
			expect:  "export/_chat.txt",
		},
		{
			name:    "no chat file",
			entries: []entry{{"notes.txt", "a"}},
			expect:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			export, err := Read(buildZip(t, tt.entries))
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if export.ChatFile != tt.expect {
				t.Errorf("Expected %q, got %q", tt.expect, export.ChatFile)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.zip")
	if err := os.WriteFile(path, buildZip(t, []entry{{"a.opus", "x"}}), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	export, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(export.Audio) != 1 {
		t.Errorf("Expected 1 attachment, got %d", len(export.Audio))
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.zip")); err == nil {
		t.Error("Expected error for missing archive")
	}
}

func TestReadRejectsNonZip(t *testing.T) {
	if _, err := Read([]byte("definitely not a zip")); err == nil {
		t.Error("Expected error for non-zip data")
	}
}
