package model

import "time"

// ImageFile is one sidecar or primary file belonging to an Image.
type ImageFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Image is identified by its directory name under <LINBO_DIR>/images.
type Image struct {
	Name      string      `json:"name"`
	Filename  string      `json:"filename"`
	ImageSize int64       `json:"imagesize"`
	Files     []ImageFile `json:"files"`
	Checksum  string      `json:"checksum,omitempty"`
}

// ImageJobStatus is the lifecycle state of an ImageJob.
type ImageJobStatus string

const (
	ImageJobQueued      ImageJobStatus = "queued"
	ImageJobDownloading ImageJobStatus = "downloading"
	ImageJobVerifying   ImageJobStatus = "verifying"
	ImageJobCompleted   ImageJobStatus = "completed"
	ImageJobFailed      ImageJobStatus = "failed"
	ImageJobCancelled   ImageJobStatus = "cancelled"
)

// ImageJob is identified by "img_<timestamp>_<rand>"; TTL 24h in the store.
type ImageJob struct {
	ID               string         `json:"id"`
	ImageName        string         `json:"imageName"`
	Status           ImageJobStatus `json:"status"`
	Progress         int            `json:"progress"`
	SpeedBytesPerSec float64        `json:"speed"`
	ETASeconds       int            `json:"eta"`
	BytesDownloaded  int64          `json:"bytesDownloaded"`
	TotalBytes       int64          `json:"totalBytes"`
	Error            string         `json:"error,omitempty"`
	QueuedAt         time.Time      `json:"queuedAt"`
	StartedAt        time.Time      `json:"startedAt,omitempty"`
}

// ImageCompareState tags the relationship between a manifest entry and the
// corresponding local directory.
type ImageCompareState string

const (
	ImageSynced     ImageCompareState = "synced"
	ImageOutdated   ImageCompareState = "outdated"
	ImageRemoteOnly ImageCompareState = "remote_only"
	ImageLocalOnly  ImageCompareState = "local_only"
)

// ImageComparison is one row of compareImages() output.
type ImageComparison struct {
	Name  string            `json:"name"`
	State ImageCompareState `json:"state"`
}
