package progress

import (
	"fmt"

	"github.com/creatorsync/client/internal/models"
)

// Phase is the coarse state of an upload progress view.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseUploading Phase = "uploading"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// View is what an upload progress screen renders.
type View struct {
	VideoPercent     int
	ThumbnailPercent int
	Phase            Phase
}

// IdleView is the view before any progress is known.
var IdleView = View{Phase: PhaseIdle}

// Completed reports whether both uploads reached 100%.
func (v View) Completed() bool {
	return v.VideoPercent == 100 && v.ThumbnailPercent == 100
}

func (v View) String() string {
	return fmt.Sprintf("%s video=%d%% thumbnail=%d%%", v.Phase, v.VideoPercent, v.ThumbnailPercent)
}

// InitialView derives the view shown before any stream event from the
// request's persisted state, and whether a progress stream should be opened.
func InitialView(req models.VideoRequest) (View, bool) {
	switch req.Status {
	case models.StatusError:
		return IdleView, false
	case models.StatusPending, models.StatusApproved:
	default:
		return IdleView, false
	}

	switch req.UploadStatus {
	case models.UploadThumbnailUpdated:
		return View{VideoPercent: 100, ThumbnailPercent: 100, Phase: PhaseCompleted}, false
	case models.UploadVideoUploaded:
		return View{VideoPercent: 100, ThumbnailPercent: 0, Phase: PhaseUploading}, true
	case models.UploadNotApproved, models.UploadStarted:
		return IdleView, true
	default:
		return IdleView, true
	}
}

// Checkpoint is one step of the upload timeline.
type Checkpoint struct {
	Name    string
	Reached bool
	// Fill is how far the connector to the next checkpoint is drawn, 0-100.
	Fill int
}

// Checkpoints lays the view out as the four step upload timeline.
func (v View) Checkpoints() []Checkpoint {
	cps := []Checkpoint{
		{Name: "Upload Started", Reached: v.Phase != PhaseIdle},
		{Name: "Video Uploading", Reached: v.VideoPercent == 100},
		{Name: "Thumbnail Uploading", Reached: v.ThumbnailPercent == 100},
		{Name: "Upload Complete", Reached: v.Phase == PhaseCompleted},
	}

	for i := range cps[:len(cps)-1] {
		switch {
		case cps[i].Reached:
			cps[i].Fill = 100
		case i == 0 && v.VideoPercent > 0:
			cps[i].Fill = 100
		case i == 1:
			cps[i].Fill = v.VideoPercent
		case i == 2:
			cps[i].Fill = v.ThumbnailPercent
		}
	}
	return cps
}
