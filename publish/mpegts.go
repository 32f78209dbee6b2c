package publish

import (
	"errors"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/livepeer/go-livecast/media"
)

type flusher interface {
	Flush() error
}

// tsMuxer writes a single H.264 track. PTS and DTS are already 90kHz ticks.
type tsMuxer struct {
	w      io.Writer
	closer io.Closer
	writer *mpegts.Writer
	track  *mpegts.Track
}

func newTSMuxer(w io.Writer, closer io.Closer) *tsMuxer {
	return &tsMuxer{w: w, closer: closer}
}

func (tm *tsMuxer) WriteHeader(opts HeaderOptions) error {
	tm.track = &mpegts.Track{Codec: &mpegts.CodecH264{}}
	// tables go out with the first random access unit
	tm.writer = mpegts.NewWriter(tm.w, []*mpegts.Track{tm.track})
	return nil
}

func (tm *tsMuxer) WritePacket(pkt *media.Packet) error {
	if tm.writer == nil {
		return errors.New("mpegts: no header")
	}
	if err := tm.writer.WriteH264(tm.track, pkt.PTS, pkt.DecodeTS(), pkt.Data); err != nil {
		return err
	}
	return tm.flush()
}

func (tm *tsMuxer) WriteTrailer() error {
	// nothing to finalize in a transport stream
	return tm.flush()
}

func (tm *tsMuxer) flush() error {
	if f, ok := tm.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (tm *tsMuxer) Close() error {
	if tm.closer == nil {
		return nil
	}
	err := tm.closer.Close()
	tm.closer = nil
	return err
}
