package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// PipelineStatus is the last reported snapshot of a running pipeline.
type PipelineStatus struct {
	State            string    `json:"state"`
	FramesCaptured   uint64    `json:"frames_captured"`
	FramesDropped    uint64    `json:"frames_dropped"`
	FramesEncoded    uint64    `json:"frames_encoded"`
	PacketsPublished uint64    `json:"packets_published"`
	BytesPublished   uint64    `json:"bytes_published"`
	CodecErrors      uint64    `json:"codec_errors"`
	GOPViolations    uint64    `json:"gop_violations"`
	LastError        string    `json:"last_error,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

var (
	// pipelineStatusMap stores the latest pipeline status for each stream
	pipelineStatusMap = make(map[string]PipelineStatus)
	pipelineStatusMu  sync.RWMutex
)

func UpdatePipelineStatus(stream string, status PipelineStatus) {
	pipelineStatusMu.Lock()
	defer pipelineStatusMu.Unlock()
	pipelineStatusMap[stream] = status
}

func GetPipelineStatus(stream string) (PipelineStatus, bool) {
	pipelineStatusMu.RLock()
	defer pipelineStatusMu.RUnlock()
	status, exists := pipelineStatusMap[stream]
	return status, exists
}

func DeletePipelineStatus(stream string) {
	pipelineStatusMu.Lock()
	defer pipelineStatusMu.Unlock()
	delete(pipelineStatusMap, stream)
}

// StatusHandler serves every known pipeline status as JSON.
func StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pipelineStatusMu.RLock()
		out := make(map[string]PipelineStatus, len(pipelineStatusMap))
		for k, v := range pipelineStatusMap {
			out[k] = v
		}
		pipelineStatusMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
}
