package processor

import (
	"encoding/json"
	"time"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

// Phase names a pipeline state
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseAnalyzing Phase = "analyzing"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Feedback texts shown to the user
const (
	FeedbackIdle      = "Upload a football technique video for analysis"
	FeedbackLoading   = "Processing video..."
	FeedbackComplete  = "Analysis complete! Scroll through results below."
	ErrTextNotVideo   = "Please upload a video file"
	errTextLoadPrefix = "Error processing video: "
)

// State is one of Idle, Loading, Analyzing, Complete or Failed
type State interface {
	Phase() Phase
	isState()
}

type Idle struct{}

type Loading struct {
	Source string `json:"source,omitempty"`
}

type Analyzing struct {
	Elapsed     float64 `json:"elapsed"`  // Seconds of video covered so far
	Duration    float64 `json:"duration"` // Seconds
	FramesDone  int     `json:"framesDone"`
	FramesTotal int     `json:"framesTotal"`
}

type Complete struct {
	Duration float64 `json:"duration"`
	Frames   int     `json:"frames"`
}

// Failed is terminal for a run; only a new submission leaves it
type Failed struct {
	Cause string `json:"cause"`
}

func (Idle) Phase() Phase      { return PhaseIdle }
func (Loading) Phase() Phase   { return PhaseLoading }
func (Analyzing) Phase() Phase { return PhaseAnalyzing }
func (Complete) Phase() Phase  { return PhaseComplete }
func (Failed) Phase() Phase    { return PhaseError }

func (Idle) isState()      {}
func (Loading) isState()   {}
func (Analyzing) isState() {}
func (Complete) isState()  {}
func (Failed) isState()    {}

// Snapshot is the observable pipeline state handed to subscribers
type Snapshot struct {
	RunID      string
	Generation uint64
	State      State
	Feedback   string
	Results    []models.AnalysisResult
	Error      string
	UpdatedAt  time.Time
}

// IdleSnapshot is the state before any video was submitted
func IdleSnapshot() Snapshot {
	return Snapshot{State: Idle{}, Feedback: FeedbackIdle, UpdatedAt: time.Now()}
}

// Processing reports whether a run is loading or analyzing
func (s Snapshot) Processing() bool {
	switch s.State.(type) {
	case Loading, Analyzing:
		return true
	}
	return false
}

// Elapsed returns the seconds of video processed so far
func (s Snapshot) Elapsed() float64 {
	switch st := s.State.(type) {
	case Analyzing:
		return st.Elapsed
	case Complete:
		return st.Duration
	}
	return 0
}

func (s Snapshot) Phase() Phase {
	if s.State == nil {
		return PhaseIdle
	}
	return s.State.Phase()
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	results := s.Results
	if results == nil {
		results = []models.AnalysisResult{}
	}
	return json.Marshal(struct {
		RunID      string                  `json:"runId,omitempty"`
		Generation uint64                  `json:"generation"`
		Phase      Phase                   `json:"phase"`
		State      State                   `json:"state,omitempty"`
		Processing bool                    `json:"processing"`
		Elapsed    float64                 `json:"elapsed"`
		Feedback   string                  `json:"feedback"`
		Results    []models.AnalysisResult `json:"results"`
		Error      string                  `json:"error,omitempty"`
		UpdatedAt  time.Time               `json:"updatedAt"`
	}{
		RunID:      s.RunID,
		Generation: s.Generation,
		Phase:      s.Phase(),
		State:      s.State,
		Processing: s.Processing(),
		Elapsed:    s.Elapsed(),
		Feedback:   s.Feedback,
		Results:    results,
		Error:      s.Error,
		UpdatedAt:  s.UpdatedAt,
	})
}
