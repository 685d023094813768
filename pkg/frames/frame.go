package frames

import (
	"errors"
	"sync"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindControl Kind = "control"
	KindError   Kind = "error"
)

type ControlCode string

const (
	// ControlEndOfAudio marks the end of client audio; the transcript is flushed.
	ControlEndOfAudio ControlCode = "end_of_audio"
	// ControlClose is an explicit close request from the client.
	ControlClose ControlCode = "close"
)

const (
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaCallSID   = "call_sid"
	MetaSource    = "source"
	MetaEncoding  = "encoding"
	MetaReason    = "reason"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries either encoded client audio or transcoded PCM.
// The payload is never mutated after construction.
type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(sessionID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(sessionID, meta),
	}
}

// NewPooledAudioFrame takes ownership of buf, which must come from
// AcquireAudioBuf. The final consumer hands it back with ReleaseAudioFrame.
func NewPooledAudioFrame(sessionID string, pts int64, buf []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(sessionID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Len() int                { return len(a.data) }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(sessionID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(sessionID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// ErrorFrame reports a transport failure. It is always the last frame a
// source delivers.
type ErrorFrame struct {
	pts  int64
	err  error
	meta map[string]string
}

func NewErrorFrame(sessionID string, pts int64, err error, meta map[string]string) ErrorFrame {
	if err == nil {
		err = errors.New("unknown transport error")
	}
	return ErrorFrame{
		pts:  pts,
		err:  err,
		meta: mergeMeta(sessionID, meta),
	}
}

func (e ErrorFrame) Kind() Kind              { return KindError }
func (e ErrorFrame) PTS() int64              { return e.pts }
func (e ErrorFrame) Meta() map[string]string { return cloneMeta(e.meta) }
func (e ErrorFrame) Err() error              { return e.err }

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
