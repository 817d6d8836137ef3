package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// WindowDuration is the analysis window length
const WindowDuration = 32 * time.Millisecond

// DefaultThreshold is the RMS level above which a window counts as voice
const DefaultThreshold float32 = 0.02

// Activity summarizes voice activity across a sample slice
type Activity struct {
	Windows      int     `json:"windows"`
	VoiceWindows int     `json:"voice_windows"`
	VoiceRatio   float64 `json:"voice_ratio"`
	PeakRMS      float32 `json:"peak_rms"`
}

// HasVoice reports whether any window crossed the threshold
func (a Activity) HasVoice() bool {
	return a.VoiceWindows > 0
}

// Analyze splits samples into WindowDuration windows and counts those whose
// RMS energy reaches threshold. A trailing partial window is analyzed as is.
func Analyze(samples []float32, sampleRate int, threshold float32) Activity {
	var activity Activity
	if sampleRate <= 0 || len(samples) == 0 {
		return activity
	}

	windowSize := int(int64(sampleRate) * int64(WindowDuration) / int64(time.Second))
	if windowSize < 1 {
		windowSize = 1
	}

	for start := 0; start < len(samples); start += windowSize {
		end := min(start+windowSize, len(samples))

		rms := windowRMS(samples[start:end])
		if rms > activity.PeakRMS {
			activity.PeakRMS = rms
		}

		activity.Windows++
		if rms >= threshold {
			activity.VoiceWindows++
		}
	}

	activity.VoiceRatio = float64(activity.VoiceWindows) / float64(activity.Windows)
	return activity
}

func windowRMS(samples []float32) float32 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return float32(math.Sqrt(energy / float64(len(samples))))
}

// Processor applies Analyze with a fixed threshold and keeps running totals
type Processor struct {
	threshold float32

	// Statistics
	totalChunks   uint64
	silentChunks  uint64
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalChunks     uint64    `json:"total_chunks"`
	SilentChunks    uint64    `json:"silent_chunks"`
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a processor. threshold is an RMS level in [0, 1].
func NewProcessor(threshold float32) (*Processor, error) {
	if threshold < 0 || threshold > 1 || math.IsNaN(float64(threshold)) {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	return &Processor{threshold: threshold}, nil
}

// Process analyzes one chunk and records it in the statistics
func (p *Processor) Process(samples []float32, sampleRate int) Activity {
	p.mu.RLock()
	threshold := p.threshold
	p.mu.RUnlock()

	activity := Analyze(samples, sampleRate, threshold)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalChunks++
	if !activity.HasVoice() {
		p.silentChunks++
	}
	p.totalWindows += uint64(activity.Windows)
	p.voiceWindows += uint64(activity.VoiceWindows)
	p.lastProcessed = time.Now()

	return activity
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalChunks:     p.totalChunks,
		SilentChunks:    p.silentChunks,
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// UpdateThreshold updates the voice detection threshold
func (p *Processor) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 || math.IsNaN(float64(threshold)) {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.threshold = threshold
	return nil
}

// GetThreshold returns the current voice detection threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// Reset clears the statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalChunks = 0
	p.silentChunks = 0
	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastProcessed = time.Time{}
}
