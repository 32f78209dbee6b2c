package capture

import (
	"fmt"

	"github.com/livepeer/lpms/ffmpeg"
)

// Probe inspects a feed with libavformat.
func Probe(fname string) (ffmpeg.MediaFormatInfo, error) {
	status, info, err := ffmpeg.GetCodecInfo(fname)
	if err != nil {
		return ffmpeg.MediaFormatInfo{}, err
	}
	if status != ffmpeg.CodecStatusOk {
		return ffmpeg.MediaFormatInfo{}, fmt.Errorf("invalid CodecStatus while probing %s, status=%d", fname, status)
	}
	if info.Vcodec == "" {
		return ffmpeg.MediaFormatInfo{}, fmt.Errorf("no video stream in %s", fname)
	}
	return info, nil
}
