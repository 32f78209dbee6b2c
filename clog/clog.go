/*
Package clog provides Context with logging information.
*/
package clog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// unique type to prevent assignment.
type clogContextKeyT struct{}

var clogContextKey = clogContextKeyT{}

const (
	// standard keys
	streamID  = "streamID"
	sessionID = "sessionID"
	stage     = "stage"
	seqNo     = "seqNo"
)

// Verbose is a boolean type that implements Infof (like Printf) etc.
// See the documentation of V for more information.
type Verbose bool

var stdKeys map[string]bool
var stdKeysOrder = []string{streamID, sessionID, stage, seqNo}

func init() {
	stdKeys = make(map[string]bool)
	for _, key := range stdKeysOrder {
		stdKeys[key] = true
	}
}

func V(level glog.Level) Verbose {
	return Verbose(bool(glog.V(level)))
}

type values struct {
	mu   sync.RWMutex
	vals map[string]string
	// insertion order of the non-standard keys
	order []string
}

func newValues() *values {
	return &values{
		vals: make(map[string]string),
	}
}

func (v *values) set(key, val string) {
	if _, ok := v.vals[key]; !ok && !stdKeys[key] {
		v.order = append(v.order, key)
	}
	v.vals[key] = val
}

// Clone creates new context with parentCtx as parent and
// logging details from logCtx
func Clone(parentCtx, logCtx context.Context) context.Context {
	cmap, _ := logCtx.Value(clogContextKey).(*values)
	newCmap := newValues()
	if cmap != nil {
		cmap.mu.RLock()
		for k, v := range cmap.vals {
			newCmap.vals[k] = v
		}
		newCmap.order = append(newCmap.order, cmap.order...)
		cmap.mu.RUnlock()
	}
	return context.WithValue(parentCtx, clogContextKey, newCmap)
}

func AddStreamID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, streamID, val)
}

func AddSessionID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, sessionID, val)
}

func AddStage(ctx context.Context, val string) context.Context {
	return AddVal(ctx, stage, val)
}

func AddSeqNo(ctx context.Context, val uint64) context.Context {
	return AddVal(ctx, seqNo, strconv.FormatUint(val, 10))
}

// AddVal stores key=val in the logging details of ctx. A context without
// logging details gets a fresh child context, otherwise the existing
// details are updated in place.
func AddVal(ctx context.Context, key, val string) context.Context {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		cmap = newValues()
		ctx = context.WithValue(ctx, clogContextKey, cmap)
	}
	cmap.mu.Lock()
	cmap.set(key, val)
	cmap.mu.Unlock()
	return ctx
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.WarningDepth(1, msg)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.ErrorDepth(1, msg)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	infof(ctx, false, format, args...)
}

// InfofErr logs an info message and treats the last argument as an error.
// A non-nil error is logged at error severity.
func InfofErr(ctx context.Context, format string, args ...interface{}) {
	infof(ctx, true, format, args...)
}

// Info logs msg followed by the key/value pairs in kvs.
func Info(ctx context.Context, msg string, kvs ...interface{}) {
	infof(ctx, false, "%s", msg+formatKVs(kvs))
}

// Warning logs msg followed by the key/value pairs in kvs.
func Warning(ctx context.Context, msg string, kvs ...interface{}) {
	m, _ := formatMessage(ctx, false, "%s", msg+formatKVs(kvs))
	glog.WarningDepth(1, m)
}

func infof(ctx context.Context, lastErr bool, format string, args ...interface{}) {
	msg, isErr := formatMessage(ctx, lastErr, format, args...)
	if isErr {
		glog.ErrorDepth(2, msg)
	} else {
		glog.InfoDepth(2, msg)
	}
}

// Infof is equivalent to the global Infof function, guarded by the value of v.
// See the documentation of V for usage.
func (v Verbose) Infof(ctx context.Context, format string, args ...interface{}) {
	if v {
		infof(ctx, false, format, args...)
	}
}

func (v Verbose) Info(ctx context.Context, msg string, kvs ...interface{}) {
	if v {
		infof(ctx, false, "%s", msg+formatKVs(kvs))
	}
}

func formatKVs(kvs []interface{}) string {
	if len(kvs) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < len(kvs); i += 2 {
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprint(kvs[i]))
		sb.WriteString("=")
		if i+1 < len(kvs) {
			switch v := kvs[i+1].(type) {
			case string:
				sb.WriteString(strconv.Quote(v))
			case error:
				sb.WriteString(strconv.Quote(v.Error()))
			default:
				sb.WriteString(fmt.Sprint(v))
			}
		} else {
			sb.WriteString("<missing>")
		}
	}
	return sb.String()
}

func messageFromContext(ctx context.Context, sb *strings.Builder) {
	if ctx == nil {
		return
	}
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return
	}
	cmap.mu.RLock()
	for _, key := range stdKeysOrder {
		if val, ok := cmap.vals[key]; ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	for _, key := range cmap.order {
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(cmap.vals[key])
		sb.WriteString(" ")
	}
	cmap.mu.RUnlock()
}

func formatMessage(ctx context.Context, lastErr bool, format string, args ...interface{}) (string, bool) {
	var sb strings.Builder
	messageFromContext(ctx, &sb)
	var err error
	if lastErr && len(args) > 0 {
		err, _ = args[len(args)-1].(error)
		args = args[:len(args)-1]
	}
	sb.WriteString(fmt.Sprintf(format, args...))
	if err != nil {
		sb.WriteString(" err=")
		sb.WriteString(strconv.Quote(err.Error()))
	}
	return sb.String(), err != nil
}
