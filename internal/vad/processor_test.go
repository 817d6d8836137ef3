package vad

import (
	"math"
	"sync"
	"testing"
)

func tone(length int, amplitude float64) []float32 {
	samples := make([]float32, length)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return samples
}

func TestAnalyze(t *testing.T) {
	// 32 ms at 16 kHz
	const window = 512

	tests := []struct {
		name          string
		samples       []float32
		sampleRate    int
		expectWindows int
		expectVoice   int
	}{
		{"silence", make([]float32, window*10), 16000, 10, 0},
		{"loud tone", tone(window*10, 0.5), 16000, 10, 10},
		{"partial trailing window", tone(window*3+10, 0.5), 16000, 4, 4},
		{"quiet tone below threshold", tone(window*5, 0.01), 16000, 5, 0},
		{"empty", nil, 16000, 0, 0},
		{"invalid rate", tone(100, 0.5), 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			activity := Analyze(tt.samples, tt.sampleRate, DefaultThreshold)

			if activity.Windows != tt.expectWindows {
				t.Errorf("Expected %d windows, got %d", tt.expectWindows, activity.Windows)
			}
			if activity.VoiceWindows != tt.expectVoice {
				t.Errorf("Expected %d voice windows, got %d", tt.expectVoice, activity.VoiceWindows)
			}
			if activity.HasVoice() != (tt.expectVoice > 0) {
				t.Errorf("Expected HasVoice %v, got %v", tt.expectVoice > 0, activity.HasVoice())
			}
		})
	}
}

func TestAnalyzeMixedSignal(t *testing.T) {
	samples := append(make([]float32, 512*3), tone(512, 0.5)...)

	activity := Analyze(samples, 16000, DefaultThreshold)

	if activity.VoiceRatio != 0.25 {
		t.Errorf("Expected voice ratio 0.25, got %f", activity.VoiceRatio)
	}

	// RMS of a sine is amplitude / sqrt(2)
	if math.Abs(float64(activity.PeakRMS)-0.5/math.Sqrt2) > 0.01 {
		t.Errorf("Expected peak RMS near %f, got %f", 0.5/math.Sqrt2, activity.PeakRMS)
	}
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		expectErr bool
	}{
		{"valid threshold", 0.02, false},
		{"zero threshold", 0, false},
		{"threshold too low", -0.1, true},
		{"threshold too high", 1.1, true},
		{"NaN threshold", float32(math.NaN()), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold)
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestProcessorStats(t *testing.T) {
	processor, err := NewProcessor(DefaultThreshold)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	processor.Process(tone(512*4, 0.5), 16000)
	processor.Process(make([]float32, 512*4), 16000)

	stats := processor.GetStats()
	if stats.TotalChunks != 2 {
		t.Errorf("Expected 2 chunks, got %d", stats.TotalChunks)
	}
	if stats.SilentChunks != 1 {
		t.Errorf("Expected 1 silent chunk, got %d", stats.SilentChunks)
	}
	if stats.TotalWindows != 8 {
		t.Errorf("Expected 8 windows, got %d", stats.TotalWindows)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}
	if stats.LastProcessed.IsZero() {
		t.Error("Expected last processed time to be set")
	}

	processor.Reset()
	if stats := processor.GetStats(); stats.TotalChunks != 0 || stats.TotalWindows != 0 {
		t.Errorf("Expected stats to reset, got %+v", stats)
	}
}

func TestUpdateThreshold(t *testing.T) {
	processor, err := NewProcessor(DefaultThreshold)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if err := processor.UpdateThreshold(0.9); err != nil {
		t.Fatalf("UpdateThreshold failed: %v", err)
	}
	if processor.GetThreshold() != 0.9 {
		t.Errorf("Expected threshold 0.9, got %f", processor.GetThreshold())
	}

	if activity := processor.Process(tone(512, 0.5), 16000); activity.HasVoice() {
		t.Error("Expected tone below raised threshold to be silent")
	}

	if err := processor.UpdateThreshold(2); err == nil {
		t.Error("Expected error for out of range threshold")
	}
}

func TestProcessorConcurrentAccess(t *testing.T) {
	processor, err := NewProcessor(DefaultThreshold)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	samples := tone(512*2, 0.5)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				processor.Process(samples, 16000)
				processor.GetStats()
			}
		}()
	}
	wg.Wait()

	if stats := processor.GetStats(); stats.TotalChunks != 100 {
		t.Errorf("Expected 100 chunks, got %d", stats.TotalChunks)
	}
}
