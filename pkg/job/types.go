package job

import (
	"github.com/fly-io/multiflash/pkg/orchestrator"
)

// FlashRequest is the FSM input
type FlashRequest struct {
	RunID              string
	ImagePath          string
	Destinations       []string
	Verify             bool
	UnmountOnSuccess   bool
	ChecksumAlgorithms []string
}

// FlashResponse is the FSM output (accumulated across transitions)
type FlashResponse struct {
	// From Fetch
	LocalImage  string
	ImageSHA256 string

	// From Preflight
	ImageSize int64

	// From Flash
	Results []orchestrator.Entry

	// From Record/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCreate    = "create"
	StateFetch     = "fetch"
	StatePreflight = "preflight"
	StateFlash     = "flash"
	StateRecord    = "record"
	StateFailed    = "failed"
)

func newFlashRequest(runID string, req orchestrator.Request) *FlashRequest {
	return &FlashRequest{
		RunID:              runID,
		ImagePath:          req.ImagePath,
		Destinations:       req.Destinations,
		Verify:             req.Verify,
		UnmountOnSuccess:   req.UnmountOnSuccess,
		ChecksumAlgorithms: req.ChecksumAlgorithms,
	}
}

// orchestratorRequest points the job at the resolved local image.
func (r *FlashRequest) orchestratorRequest(localImage string) orchestrator.Request {
	return orchestrator.Request{
		ImagePath:          localImage,
		Destinations:       r.Destinations,
		Verify:             r.Verify,
		UnmountOnSuccess:   r.UnmountOnSuccess,
		ChecksumAlgorithms: r.ChecksumAlgorithms,
	}
}
