// Command fakestt is an OpenAI-compatible speech-to-text stand-in for local
// runs. Point the transcriber at it with TRANSCRIBER_BASE_URL=http://localhost:9000/v1.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type transcriptionResponse struct {
	Text string `json:"text"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type handlerConfig struct {
	Delay     time.Duration
	FailEvery int // every Nth request returns 500; 0 disables
	Text      string
}

func writeError(w http.ResponseWriter, status int, message string) {
	var body apiErrorBody
	body.Error.Message = message
	body.Error.Type = "invalid_request_error"
	if status >= 500 {
		body.Error.Type = "server_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func transcribeHandler(cfg handlerConfig, logger *slog.Logger) http.Handler {
	var requests atomic.Int64

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "Error parsing form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "Missing audio file")
			return
		}
		defer file.Close()

		audioData, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Error reading audio file")
			return
		}

		n := requests.Add(1)
		logger.Info("Transcription request received",
			slog.Int64("request", n),
			slog.String("model", r.FormValue("model")),
			slog.String("filename", header.Filename),
			slog.String("content_type", header.Header.Get("Content-Type")),
			slog.Int("size", len(audioData)),
		)

		if cfg.Delay > 0 {
			time.Sleep(cfg.Delay)
		}

		if cfg.FailEvery > 0 && n%int64(cfg.FailEvery) == 0 {
			writeError(w, http.StatusInternalServerError, "Simulated failure")
			return
		}

		text := cfg.Text
		if text == "" {
			text = fmt.Sprintf("Transcript of %s.", header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcriptionResponse{Text: text})
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time per request")
	failEvery := flag.Int("fail-every", 0, "Return 500 for every Nth request (0 disables)")
	text := flag.String("text", "", "Fixed transcript text (default names the uploaded file)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.Handle("/v1/audio/transcriptions", transcribeHandler(handlerConfig{
		Delay:     *delay,
		FailEvery: *failEvery,
		Text:      *text,
	}, logger))

	logger.Info("Fake transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/v1/audio/transcriptions"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
