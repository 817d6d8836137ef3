package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/whatsapp-transcriber/internal/archive"
	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
	"github.com/skypro1111/whatsapp-transcriber/internal/decoder"
	"github.com/skypro1111/whatsapp-transcriber/internal/transcription"
)

// fakeUploader records payloads and answers with respond, or a numbered sentence
type fakeUploader struct {
	mu       sync.Mutex
	payloads []audio.Payload
	respond  func(call int, payload audio.Payload) (string, error)
}

func (f *fakeUploader) Transcribe(ctx context.Context, payload audio.Payload, credential string) (string, error) {
	f.mu.Lock()
	call := len(f.payloads)
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()

	if f.respond == nil {
		return fmt.Sprintf("Transcript %d.", call+1), nil
	}
	return f.respond(call, payload)
}

func (f *fakeUploader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type progressUpdate struct {
	percent float64
	message string
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []progressUpdate
}

func (r *progressRecorder) report(percent float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, progressUpdate{percent, message})
}

func (r *progressRecorder) find(message string) (progressUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if u.message == message {
			return u, true
		}
	}
	return progressUpdate{}, false
}

// staticDecoder returns buf for every call and counts invocations
func staticDecoder(buf *audio.Buffer, calls *int32) decoder.Decoder {
	return decoder.Func(func(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return buf, nil
	})
}

// toneBuffer returns a buffer holding a 0.5 amplitude sine on every channel
func toneBuffer(numChannels int, seconds float64, sampleRate int) *audio.Buffer {
	length := int(seconds * float64(sampleRate))
	buf := audio.NewBuffer(numChannels, length, sampleRate)
	for _, ch := range buf.Channels {
		for i := range ch {
			ch[i] = 0.5 * float32(math.Sin(2*math.Pi*10*float64(i)/float64(sampleRate)))
		}
	}
	return buf
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTranscriber(t *testing.T, dec decoder.Decoder, up Uploader, options Options) *Transcriber {
	t.Helper()

	tr, err := NewTranscriber(dec, up, options, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create transcriber: %v", err)
	}
	return tr
}

func TestNewTranscriberValidation(t *testing.T) {
	dec := staticDecoder(toneBuffer(1, 1, 8000), nil)
	up := &fakeUploader{}

	if _, err := NewTranscriber(nil, up, Options{}, nil, nil); err == nil {
		t.Error("Expected error for nil decoder")
	}
	if _, err := NewTranscriber(dec, nil, Options{}, nil, nil); err == nil {
		t.Error("Expected error for nil uploader")
	}
	if _, err := NewTranscriber(dec, up, Options{MaxRetries: -1}, nil, nil); err == nil {
		t.Error("Expected error for negative retries")
	}
	if _, err := NewTranscriber(dec, up, Options{SilenceThreshold: 2}, nil, nil); err == nil {
		t.Error("Expected error for silence threshold above 1")
	}

	tr, err := NewTranscriber(dec, up, Options{}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create transcriber: %v", err)
	}
	if tr.options.ChunkConcurrency != 1 {
		t.Errorf("Expected sequential chunk uploads by default, got %d", tr.options.ChunkConcurrency)
	}
	if tr.options.MaxPayloadBytes != audio.MaxUploadBytes {
		t.Errorf("Expected payload ceiling %d, got %d", audio.MaxUploadBytes, tr.options.MaxPayloadBytes)
	}
}

func TestDirectUpload(t *testing.T) {
	var decodes int32
	up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
		return "Hello world", nil
	}}
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 1, 8000), &decodes), up, Options{})

	data := bytes.Repeat([]byte{0x42}, 5*1024*1024)
	out := tr.Process(context.Background(), data, "Media/PTT-20240105-WA0003.m4a", "key", nil)

	if out.Transcript != "Hello world" {
		t.Errorf("Expected transcript verbatim, got %q", out.Transcript)
	}
	if out.Strategy != StrategyDirect {
		t.Errorf("Expected direct strategy, got %s", out.Strategy)
	}
	if atomic.LoadInt32(&decodes) != 0 {
		t.Error("Expected no decode for a direct upload")
	}

	if up.calls() != 1 {
		t.Fatalf("Expected 1 upload, got %d", up.calls())
	}
	payload := up.payloads[0]
	if payload.FileName != "PTT-20240105-WA0003.m4a" {
		t.Errorf("Expected original base name, got %s", payload.FileName)
	}
	if payload.ContentType != "audio/m4a" {
		t.Errorf("Expected audio/m4a, got %s", payload.ContentType)
	}
	if !bytes.Equal(payload.Data, data) {
		t.Error("Expected original bytes to be uploaded unchanged")
	}
}

func TestSinglePassOpus(t *testing.T) {
	up := &fakeUploader{}
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(2, 60, 44100), nil), up, Options{})

	progress := &progressRecorder{}
	data := make([]byte, 30*1024*1024)
	out := tr.Process(context.Background(), data, "voice.opus", "key", progress.report)

	if out.Failed {
		t.Fatalf("Expected success, got %q", out.Transcript)
	}
	if out.Strategy != StrategySinglePass {
		t.Errorf("Expected single pass, got %s", out.Strategy)
	}
	if out.Plan == nil || out.Plan.CompressionFactor != 2 {
		t.Fatalf("Expected compression factor 2, got %+v", out.Plan)
	}

	if _, ok := progress.find("Large audio file detected. Processing voice.opus..."); !ok {
		t.Error("Expected large file progress update")
	}

	if up.calls() != 1 {
		t.Fatalf("Expected 1 upload, got %d", up.calls())
	}
	payload := up.payloads[0]
	if payload.FileName != "voice.wav" || payload.ContentType != "audio/wav" {
		t.Errorf("Unexpected payload naming: %s %s", payload.FileName, payload.ContentType)
	}

	info, err := audio.GetWAVInfo(payload.Data)
	if err != nil {
		t.Fatalf("Payload is not a valid WAV: %v", err)
	}
	if info.SampleRate != 11025 || info.BitsPerSample != 16 || info.Channels != 1 {
		t.Errorf("Expected 11025 Hz 16-bit mono, got %d Hz %d-bit %d channels", info.SampleRate, info.BitsPerSample, info.Channels)
	}
	if math.Abs(info.Duration-60) > 0.01 {
		t.Errorf("Expected 60s payload, got %f", info.Duration)
	}
	if payload.Size() > audio.MaxUploadBytes {
		t.Errorf("Expected payload under the ceiling, got %d bytes", payload.Size())
	}
}

func TestSmallOpusIsReencoded(t *testing.T) {
	var decodes int32
	up := &fakeUploader{}
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 5, 8000), &decodes), up, Options{})

	out := tr.Process(context.Background(), []byte("small opus"), "note.OPUS", "key", nil)
	if out.Strategy != StrategySinglePass {
		t.Fatalf("Expected single pass for opus, got %s (%q)", out.Strategy, out.Transcript)
	}
	if atomic.LoadInt32(&decodes) != 1 {
		t.Errorf("Expected 1 decode, got %d", decodes)
	}

	info, err := audio.GetWAVInfo(up.payloads[0].Data)
	if err != nil {
		t.Fatalf("Payload is not a valid WAV: %v", err)
	}
	if info.SampleRate != 8000 {
		t.Errorf("Expected source rate 8000 kept below target, got %d", info.SampleRate)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16-bit, got %d", info.BitsPerSample)
	}
}

func TestPartitionIsolatesChunkFailure(t *testing.T) {
	texts := map[string]string{
		"chunk_1_long.wav": "Alpha segment begins.",
		"chunk_3_long.wav": "Gamma segment continues.",
		"chunk_4_long.wav": "Delta segment ends.",
	}
	up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
		if payload.FileName == "chunk_2_long.wav" {
			return "", &transcription.TranscriptionError{Status: 500, Message: "Internal Server Error"}
		}
		if text, ok := texts[payload.FileName]; ok {
			return text, nil
		}
		return "Direct upload text.", nil
	}}

	// 1100s source: partitioned by duration into four 275s chunks
	dec := decoder.Func(func(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
		return toneBuffer(1, 1100, 100), nil
	})
	tr := newTestTranscriber(t, dec, up, Options{})

	result := tr.TranscribeAll(context.Background(), []archive.Attachment{
		{Name: "long.opus", Data: []byte("opus")},
		{Name: "next.m4a", Data: []byte("m4a")},
	}, "key", nil)

	if len(result.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(result.Entries))
	}

	first := result.Entries[0]
	if first.Strategy != StrategyPartition || first.ChunkCount != 4 {
		t.Errorf("Expected 4-chunk partition, got %s with %d chunks", first.Strategy, first.ChunkCount)
	}
	if first.Failed {
		t.Error("Expected partial failure to keep the attachment")
	}
	if first.FailedChunks != 1 {
		t.Errorf("Expected 1 failed chunk, got %d", first.FailedChunks)
	}

	expect := "Alpha segment begins. [Error with part 2: OpenAI API error: 500 - Internal Server Error] Gamma segment continues. Delta segment ends."
	if first.Transcript != expect {
		t.Errorf("Expected %q, got %q", expect, first.Transcript)
	}

	if result.Transcripts["next.m4a"] != "Direct upload text." {
		t.Errorf("Expected batch to continue after the partial failure, got %q", result.Transcripts["next.m4a"])
	}
}

func TestChunkPanicBecomesMarker(t *testing.T) {
	up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
		if payload.FileName == "chunk_2_long.wav" {
			panic("uploader boom")
		}
		return strings.TrimSuffix(strings.TrimPrefix(payload.FileName, "chunk_"), "_long.wav") + " done.", nil
	}}

	// 1100s source: four 275s chunks
	dec := decoder.Func(func(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
		return toneBuffer(1, 1100, 100), nil
	})

	for _, concurrency := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency_%d", concurrency), func(t *testing.T) {
			tr := newTestTranscriber(t, dec, up, Options{ChunkConcurrency: concurrency})

			result := tr.TranscribeAll(context.Background(), []archive.Attachment{
				{Name: "long.opus", Data: []byte("opus")},
				{Name: "short.m4a", Data: []byte("m4a")},
			}, "key", nil)

			if len(result.Entries) != 2 {
				t.Fatalf("Expected 2 entries, got %d", len(result.Entries))
			}

			first := result.Entries[0]
			if first.Failed {
				t.Error("Expected a chunk panic to keep the attachment")
			}
			if first.FailedChunks != 1 {
				t.Errorf("Expected 1 failed chunk, got %d", first.FailedChunks)
			}

			expect := "1 done. [Error with part 2: internal error: uploader boom] 3 done. 4 done."
			if first.Transcript != expect {
				t.Errorf("Expected %q, got %q", expect, first.Transcript)
			}

			if result.Transcripts["short.m4a"] == "" {
				t.Error("Expected batch to continue after the chunk panic")
			}
		})
	}
}

func TestUnreadableAttachmentGetsPlaceholder(t *testing.T) {
	up := &fakeUploader{}
	var decodes int32
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 1, 8000), &decodes), up, Options{})

	readErr := errors.New("archive entry PTT-2.opus too large")
	result := tr.TranscribeAll(context.Background(), []archive.Attachment{
		{Name: "PTT-1.m4a", Data: []byte("m4a")},
		{Name: "PTT-2.opus", Err: readErr},
		{Name: "PTT-3.m4a", Data: []byte("m4a")},
	}, "key", nil)

	if len(result.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(result.Entries))
	}

	second := result.Entries[1]
	if !second.Failed {
		t.Error("Expected unreadable attachment to be marked failed")
	}
	expect := "[Audio transcription failed: archive entry PTT-2.opus too large]"
	if result.Transcripts["PTT-2.opus"] != expect {
		t.Errorf("Expected %q, got %q", expect, result.Transcripts["PTT-2.opus"])
	}

	if result.Entries[0].Failed || result.Entries[2].Failed {
		t.Error("Expected readable attachments to succeed")
	}
	if up.calls() != 2 {
		t.Errorf("Expected 2 uploads, got %d", up.calls())
	}
}

func TestEncodingOverflowFallsBackToPartition(t *testing.T) {
	up := &fakeUploader{}

	// 400s source with a silent second half: two 200s chunks
	buf := toneBuffer(1, 400, 100)
	for i := 20000; i < buf.Len(); i++ {
		buf.Channels[0][i] = 0
	}

	tr := newTestTranscriber(t, staticDecoder(buf, nil), up, Options{MaxPayloadBytes: 1000})

	progress := &progressRecorder{}
	out := tr.Process(context.Background(), []byte("opus"), "memo.opus", "key", progress.report)

	if out.Strategy != StrategyPartitionFallback {
		t.Fatalf("Expected partition fallback, got %s (%q)", out.Strategy, out.Transcript)
	}
	if out.ChunkCount != 2 || up.calls() != 2 {
		t.Errorf("Expected 2 chunks uploaded, got %d chunks and %d uploads", out.ChunkCount, up.calls())
	}
	if out.Transcript != "Transcript 1. Transcript 2." {
		t.Errorf("Unexpected transcript: %q", out.Transcript)
	}

	first, ok := progress.find("Transcribing chunk 1/2...")
	if !ok || first.percent != 60 {
		t.Errorf("Expected chunk 1 upload progress at 60, got %+v (found %v)", first, ok)
	}
	second, ok := progress.find("Transcribing chunk 2/2...")
	if !ok || second.percent != 75 {
		t.Errorf("Expected chunk 2 upload progress at 75, got %+v (found %v)", second, ok)
	}
	if _, ok := progress.find("Processing audio chunk 2/2..."); !ok {
		t.Error("Expected partition progress update")
	}
}

func TestSkipSilentChunks(t *testing.T) {
	up := &fakeUploader{}

	buf := toneBuffer(1, 400, 100)
	for i := 20000; i < buf.Len(); i++ {
		buf.Channels[0][i] = 0
	}

	tr := newTestTranscriber(t, staticDecoder(buf, nil), up, Options{
		MaxPayloadBytes:  1000,
		SkipSilentChunks: true,
	})

	out := tr.Process(context.Background(), []byte("opus"), "memo.opus", "key", nil)

	if up.calls() != 1 {
		t.Fatalf("Expected only the voiced chunk uploaded, got %d uploads", up.calls())
	}
	if out.SkippedChunks != 1 {
		t.Errorf("Expected 1 skipped chunk, got %d", out.SkippedChunks)
	}
	if out.Transcript != "Transcript 1." {
		t.Errorf("Unexpected transcript: %q", out.Transcript)
	}

	stats := tr.VADStats()
	if stats.TotalChunks != 2 || stats.SilentChunks != 1 {
		t.Errorf("Expected 2 analyzed chunks with 1 silent, got %+v", stats)
	}
}

func TestChunkConcurrencyPreservesOrder(t *testing.T) {
	up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
		if payload.FileName == "chunk_1_memo.wav" {
			time.Sleep(50 * time.Millisecond)
			return "First chunk finishes last.", nil
		}
		return "Second chunk finishes first.", nil
	}}

	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 400, 100), nil), up, Options{
		MaxPayloadBytes:  1000,
		ChunkConcurrency: 2,
	})

	out := tr.Process(context.Background(), []byte("opus"), "memo.opus", "key", nil)

	expect := "First chunk finishes last. Second chunk finishes first."
	if out.Transcript != expect {
		t.Errorf("Expected %q, got %q", expect, out.Transcript)
	}
}

func TestSilentAttachment(t *testing.T) {
	up := &fakeUploader{}
	silent := audio.NewBuffer(1, 8000*3, 8000)
	tr := newTestTranscriber(t, staticDecoder(silent, nil), up, Options{})

	out := tr.Process(context.Background(), []byte("opus"), "quiet.opus", "key", nil)
	if out.Failed {
		t.Fatalf("Expected silent audio to upload, got %q", out.Transcript)
	}

	decoded, _, err := audio.DecodeWAV(up.payloads[0].Data)
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	for i, s := range decoded.Channels[0] {
		if math.IsNaN(float64(s)) || math.Abs(float64(s)) > 1.0/32767 {
			t.Fatalf("Expected silence at sample %d, got %f", i, s)
		}
	}
}

func TestFailuresBecomePlaceholders(t *testing.T) {
	tests := []struct {
		name    string
		decoder decoder.Decoder
		respond func(call int, payload audio.Payload) (string, error)
		file    string
		expect  string
	}{
		{
			name: "decode failure",
			decoder: decoder.Func(func(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
				return nil, errors.New("invalid data")
			}),
			file:   "broken.opus",
			expect: "[Audio transcription failed: unable to decode audio: invalid data]",
		},
		{
			name:    "direct upload rejected",
			decoder: staticDecoder(toneBuffer(1, 1, 8000), nil),
			respond: func(call int, payload audio.Payload) (string, error) {
				return "", &transcription.TranscriptionError{Status: 401, Message: "Incorrect API key provided"}
			},
			file:   "note.m4a",
			expect: "[Audio transcription failed: OpenAI API error: 401 - Incorrect API key provided]",
		},
		{
			name: "panic is recovered",
			decoder: decoder.Func(func(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
				panic("boom")
			}),
			file:   "crash.opus",
			expect: "[Audio transcription failed: internal error: boom]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTranscriber(t, tt.decoder, &fakeUploader{respond: tt.respond}, Options{})

			text := tr.TranscribeAudio(context.Background(), []byte("data"), tt.file, "key", nil)
			if text != tt.expect {
				t.Errorf("Expected %q, got %q", tt.expect, text)
			}
		})
	}
}

func TestRetryableFailuresAreRetried(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		expectCalls int
		expectOK    bool
	}{
		{"service unavailable is retried", 503, 2, true},
		{"rate limit is retried", 429, 2, true},
		{"bad request is not retried", 400, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
				if call == 0 {
					return "", &transcription.TranscriptionError{Status: tt.status, Message: "nope"}
				}
				return "Recovered.", nil
			}}

			tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 1, 8000), nil), up, Options{
				MaxRetries:   2,
				RetryBackoff: time.Millisecond,
			})

			out := tr.Process(context.Background(), []byte("data"), "note.mp3", "key", nil)
			if up.calls() != tt.expectCalls {
				t.Errorf("Expected %d calls, got %d", tt.expectCalls, up.calls())
			}
			if out.Failed == tt.expectOK {
				t.Errorf("Expected success %v, got transcript %q", tt.expectOK, out.Transcript)
			}
		})
	}
}

func TestNoRetryByDefault(t *testing.T) {
	up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
		return "", &transcription.TranscriptionError{Status: 503, Message: "Service Unavailable"}
	}}
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 1, 8000), nil), up, Options{})

	tr.Process(context.Background(), []byte("data"), "note.mp3", "key", nil)
	if up.calls() != 1 {
		t.Errorf("Expected a single attempt, got %d", up.calls())
	}
}

func TestBatchProgressAndOrder(t *testing.T) {
	up := &fakeUploader{}
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 1, 8000), nil), up, Options{})

	progress := &progressRecorder{}
	var seen []string
	result := tr.TranscribeEach(context.Background(), []archive.Attachment{
		{Name: "b.mp3", Data: []byte("b")},
		{Name: "a.mp3", Data: []byte("a")},
	}, "key", progress.report, func(e Entry) {
		seen = append(seen, e.FileName)
	})

	expect := []progressUpdate{
		{30, "Found 2 audio files."},
		{55, "Analyzing audio files (1/2)..."},
		{80, "Analyzing audio files (2/2)..."},
	}
	if len(progress.updates) != len(expect) {
		t.Fatalf("Expected %d progress updates, got %+v", len(expect), progress.updates)
	}
	for i, u := range expect {
		if progress.updates[i] != u {
			t.Errorf("Update %d: expected %+v, got %+v", i, u, progress.updates[i])
		}
	}

	if len(seen) != 2 || seen[0] != "b.mp3" || seen[1] != "a.mp3" {
		t.Errorf("Expected entries in archive order, got %v", seen)
	}
	if result.Entries[1].Position != 1 {
		t.Errorf("Expected position 1, got %d", result.Entries[1].Position)
	}
	if result.FailedCount() != 0 {
		t.Errorf("Expected no failures, got %d", result.FailedCount())
	}
}

func TestBatchCanceledContext(t *testing.T) {
	up := &fakeUploader{}
	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 1, 8000), nil), up, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := tr.TranscribeAll(ctx, []archive.Attachment{
		{Name: "a.mp3", Data: []byte("a")},
		{Name: "b.opus", Data: []byte("b")},
	}, "key", nil)

	if up.calls() != 0 {
		t.Errorf("Expected no uploads after cancellation, got %d", up.calls())
	}
	for name, text := range result.Transcripts {
		if text != "[Audio transcription failed: context canceled]" {
			t.Errorf("%s: unexpected transcript %q", name, text)
		}
	}
	if result.FailedCount() != 2 {
		t.Errorf("Expected 2 failures, got %d", result.FailedCount())
	}
}

func TestCanceledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	up := &fakeUploader{respond: func(call int, payload audio.Payload) (string, error) {
		cancel()
		return "Only the first chunk made it.", nil
	}}

	tr := newTestTranscriber(t, staticDecoder(toneBuffer(1, 400, 100), nil), up, Options{MaxPayloadBytes: 1000})

	out := tr.Process(ctx, []byte("opus"), "memo.opus", "key", nil)

	if up.calls() != 1 {
		t.Errorf("Expected 1 upload before cancellation, got %d", up.calls())
	}
	if !strings.Contains(out.Transcript, "[Error with part 2: context canceled]") {
		t.Errorf("Expected canceled chunk marker, got %q", out.Transcript)
	}
}
