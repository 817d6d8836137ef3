package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/whatsapp-transcriber/internal/archive"
	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
)

// Progress range covered by the batch loop
const (
	batchProgressStart = 30.0
	batchProgressSpan  = 50.0
)

// Entry is the transcript of one attachment within a batch
type Entry struct {
	Position      int           `json:"position"`
	FileName      string        `json:"file_name"`
	Transcript    string        `json:"transcript"`
	Failed        bool          `json:"failed"`
	Strategy      Strategy      `json:"strategy,omitempty"`
	ChunkCount    int           `json:"chunk_count,omitempty"`
	FailedChunks  int           `json:"failed_chunks,omitempty"`
	SkippedChunks int           `json:"skipped_chunks,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

// Result holds every attachment of a batch in archive order
type Result struct {
	Entries     []Entry           `json:"entries"`
	Transcripts map[string]string `json:"transcripts"`
}

// FailedCount returns the number of attachments that got placeholder text
func (r Result) FailedCount() int {
	count := 0
	for _, e := range r.Entries {
		if e.Failed {
			count++
		}
	}
	return count
}

// TranscribeAll transcribes attachments strictly one at a time in the given
// order. Every attachment yields an entry; failures become placeholder text.
func (t *Transcriber) TranscribeAll(ctx context.Context, attachments []archive.Attachment, credential string, progress audio.ProgressFunc) Result {
	return t.TranscribeEach(ctx, attachments, credential, progress, nil)
}

// TranscribeEach is TranscribeAll with onEntry called after every attachment.
// onEntry may be nil.
func (t *Transcriber) TranscribeEach(ctx context.Context, attachments []archive.Attachment, credential string, progress audio.ProgressFunc, onEntry func(Entry)) Result {
	total := len(attachments)
	result := Result{
		Entries:     make([]Entry, 0, total),
		Transcripts: make(map[string]string, total),
	}

	progress.Report(batchProgressStart, fmt.Sprintf("Found %d audio files.", total))

	batchStart := time.Now()

	for i, attachment := range attachments {
		count := i + 1
		progress.Report(
			batchProgressStart+batchProgressSpan*float64(count)/float64(total),
			fmt.Sprintf("Analyzing audio files (%d/%d)...", count, total),
		)

		startTime := time.Now()
		var out Outcome
		if attachment.Err != nil {
			t.logger.Warn("Skipping unreadable attachment",
				slog.String("file", attachment.Name),
				slog.String("error", attachment.Err.Error()))
			t.metrics.RecordAttachment("failed", 0)
			out = failed("", attachment.Err)
		} else {
			out = t.Process(ctx, attachment.Data, attachment.Name, credential, progress)
		}

		entry := Entry{
			Position:      i,
			FileName:      attachment.Name,
			Transcript:    out.Transcript,
			Failed:        out.Failed,
			Strategy:      out.Strategy,
			ChunkCount:    out.ChunkCount,
			FailedChunks:  out.FailedChunks,
			SkippedChunks: out.SkippedChunks,
			Elapsed:       time.Since(startTime),
		}

		result.Entries = append(result.Entries, entry)
		result.Transcripts[attachment.Name] = entry.Transcript

		if onEntry != nil {
			onEntry(entry)
		}
	}

	t.logger.Info("Batch finished",
		slog.Int("attachments", total),
		slog.Int("failed", result.FailedCount()),
		slog.Duration("elapsed", time.Since(batchStart)))

	return result
}
