package devsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// opContext is the Operation of spec §3: a single request-in-flight. Its
// feed method consumes the session's read buffer and produces a typed
// result once its terminator is recognized; exactly one opContext is
// active per session (spec §4.4, §5 single-active invariant). The
// completion channel and result/err pair make it the promise the caller's
// facade call is parked on.
type opContext struct {
	id      uint64
	kind    OperationKind
	verbose bool
	path    string   // getItemStat target
	files   []string // uploadFiles/downloadFiles file list, for progress labeling
	request []byte   // the encoded JSON request line already written to stdin

	progress ProgressFunc
	stdin    io.Writer
	logger   *logrus.Entry

	onDisconnect func()
	onException  func()

	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newOpContext(id uint64, kind OperationKind, request []byte) *opContext {
	return &opContext{id: id, kind: kind, request: request, done: make(chan struct{})}
}

// resolve completes the operation exactly once (spec §8 property 2).
func (c *opContext) resolve(result any, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// wait blocks until the operation resolves or ctx is done.
func (c *opContext) wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// feed is invoked by the reader (session.go) with the full accumulated
// buffer each time this operation should be given a look (spec §4.2). It
// returns the buffer that should be retained (nil means "consumed, start
// fresh") and whether the operation has produced its final result.
func (c *opContext) feed(buf []byte) ([]byte, bool) {
	switch c.kind {
	case OpCommand, OpFriendlyCommand, OpRunFile, OpCtrlD:
		return c.feedCommandLike(buf)
	case OpRetrieveTabComp:
		return c.feedCommandLike(buf)
	case OpListContents, OpListContentsRecursive:
		return c.feedListContents(buf)
	case OpUploadFiles, OpDownloadFiles, OpDeleteFiles, OpCreateFolders,
		OpDeleteFolders, OpDeleteFolderRecursive, OpDeleteFileOrFolder, OpSyncRtc:
		return c.feedFsMutation(buf)
	case OpCalcHashes:
		return c.feedCalcHashes(buf)
	case OpGetItemStat:
		return c.feedGetItemStat(buf)
	case OpRenameItem:
		return c.feedRenameItem(buf)
	case OpGetRtcTime:
		return c.feedGetRtcTime(buf)
	case OpCheckStatus:
		return c.feedCheckStatus(buf)
	case OpSoftReset:
		return c.feedSoftReset(buf)
	default:
		// OpHardReset, OpExit, OpScanPorts are driven outside the normal
		// feed loop (process exit / one-shot child / fire-and-forget).
		return buf, false
	}
}

func (c *opContext) feedCommandLike(buf []byte) ([]byte, bool) {
	if hasToken(buf, tokenSentinel) {
		buf = stripToken(buf, tokenSentinel)
		if c.stdin != nil {
			_, _ = c.stdin.Write([]byte("\n"))
		}
	}

	if payload, found := cutAtEOO(buf); found {
		cleaned := cleanPayload(payload)
		if hasToken(payload, tokenERR) {
			// command-like kinds force a disconnect on !!ERR!! (spec §4.5,
			// §7 HelperReportedError).
			if c.progress != nil {
				c.result = CommandResult{Ok: false}
			} else {
				c.result = CommandWithResponse{Response: string(bytes.TrimRight(cleaned, "\r\n"))}
			}
			// Resolve before disconnecting: the disconnect releases the
			// active operation with the sentinel result, which would
			// otherwise replace this one.
			c.resolve(c.result, nil)
			if c.onDisconnect != nil {
				c.onDisconnect()
			}
			return nil, true
		}

		if c.progress != nil {
			if len(cleaned) > 0 {
				c.progress(string(cleaned))
			}
			c.result = CommandResult{Ok: true}
			return nil, true
		}

		if c.kind == OpRetrieveTabComp {
			c.result = parseTabComp(cleaned)
		} else {
			c.result = CommandWithResponse{Response: string(cleaned)}
		}
		return nil, true
	}

	// Not terminated yet. Friendly/command/run-file stream character by
	// character (spec §4.2); feed incremental output to the progress
	// callback and drain what we've consumed so it isn't redelivered.
	if c.kind.streamsByChar() && c.progress != nil {
		cleaned := cleanPayload(buf)
		if len(cleaned) > 0 {
			c.progress(string(cleaned))
		}
		return nil, false
	}
	return buf, false
}

func parseTabComp(cleaned []byte) TabComp {
	if bytes.HasPrefix(cleaned, []byte(tokenSimpleAutoComp)) {
		rest := cleaned[len(tokenSimpleAutoComp):]
		rest = bytes.TrimSuffix(rest, []byte("\n"))
		return TabComp{IsSimple: true, Completion: string(rest)}
	}
	return TabComp{IsSimple: false, Completion: string(cleaned)}
}

func (c *opContext) feedListContents(buf []byte) ([]byte, bool) {
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	var files []FileRecord
	for _, line := range bytes.Split(payload, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == 0 {
			continue
		}
		parts := bytes.SplitN(trimmed, []byte(" "), 2)
		if len(parts) != 2 {
			continue
		}
		size, err := strconv.ParseUint(string(parts[0]), 10, 64)
		if err != nil {
			continue
		}
		path := string(parts[1])
		files = append(files, FileRecord{
			Path:  path,
			IsDir: strings.HasSuffix(path, "/"),
			Size:  size,
		})
	}
	c.result = ListContents{Files: files}
	return nil, true
}

type uploadProgressFrame struct {
	Written         uint64 `json:"written"`
	Total           uint64 `json:"total"`
	CurrentFilePos  int    `json:"currentFilePos"`
	TotalFilesCount int    `json:"totalFilesCount"`
}

func (c *opContext) feedFsMutation(buf []byte) ([]byte, bool) {
	if payload, found := cutAtEOO(buf); found {
		ok := !hasToken(payload, tokenERR) || hasToken(payload, "EXIST")
		c.result = Status{Ok: ok}
		return nil, true
	}

	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return buf, false
	}

	if hasToken(trimmed, tokenERR) || hasToken(trimmed, "!!Exception!!") {
		// Already-exists / benign mid-stream notice: swallow and keep going.
		return nil, false
	}

	if c.verbose && c.progress != nil {
		var frame uploadProgressFrame
		if err := json.Unmarshal(trimmed, &frame); err == nil {
			name := ""
			if idx := frame.CurrentFilePos - 1; idx >= 0 && idx < len(c.files) {
				name = c.files[idx]
			}
			c.progress(fmt.Sprintf("'%s' [%d/%d]", name, frame.CurrentFilePos, frame.TotalFilesCount))
			return nil, false
		}
		if c.logger != nil {
			c.logger.Debugf("malformed progress frame, dropping: %q", trimmed)
		}
		return nil, false
	}
	return buf, false
}

type hashFrame struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// calcHashesResult is the internal result of a calcHashes operation; it is
// not exposed on the public facade directly, only consumed by the project
// sync driver (spec §4.5, §4.7).
type calcHashesResult struct {
	RemoteHashes map[string]string
}

func (c *opContext) feedCalcHashes(buf []byte) ([]byte, bool) {
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	remote := make(map[string]string)
	for _, line := range bytes.Split(payload, []byte("\n")) {
		line = trimCRLF(line)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if hasToken(line, "error") || hasToken(line, tokenERR) {
			continue
		}
		var frame hashFrame
		if err := json.Unmarshal(line, &frame); err == nil {
			remote[frame.File] = frame.Hash
		}
	}
	c.result = calcHashesResult{RemoteHashes: remote}
	return nil, true
}

type statFrame struct {
	CreationTime     int64 `json:"creation_time"`
	ModificationTime int64 `json:"modification_time"`
	Size             uint64 `json:"size"`
	IsDir            bool  `json:"is_dir"`
}

func (c *opContext) feedGetItemStat(buf []byte) ([]byte, bool) {
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	if hasToken(payload, tokenERR) {
		c.result = GetItemStat{Stat: nil}
		return nil, true
	}
	cleaned := trimCRLF(cleanPayload(payload))
	var frame statFrame
	if err := json.Unmarshal(bytes.TrimSpace(cleaned), &frame); err != nil {
		c.result = GetItemStat{Stat: nil}
		return nil, true
	}
	created := msTime(frame.CreationTime)
	modified := msTime(frame.ModificationTime)
	rec := FileRecord{
		Path:         c.path,
		IsDir:        frame.IsDir,
		Size:         frame.Size,
		Created:      &created,
		LastModified: &modified,
	}
	c.result = GetItemStat{Stat: &rec}
	return nil, true
}

type renameFrame struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (c *opContext) feedRenameItem(buf []byte) ([]byte, bool) {
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	cleaned := trimCRLF(cleanPayload(payload))
	var frame renameFrame
	_ = json.Unmarshal(bytes.TrimSpace(cleaned), &frame)
	if !frame.Success && c.logger != nil {
		c.logger.Warnf("rename reported failure: %s", frame.Error)
	}
	c.result = Status{Ok: frame.Success}
	return nil, true
}

func (c *opContext) feedGetRtcTime(buf []byte) ([]byte, bool) {
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	if hasToken(payload, tokenERR) {
		c.result = RtcTime{Time: nil}
		return nil, true
	}
	cleaned := trimCRLF(cleanPayload(payload))
	t, ok := parseRp2DatetimeTuple(cleaned)
	if !ok {
		c.result = RtcTime{Time: nil}
		return nil, true
	}
	c.result = RtcTime{Time: &t}
	return nil, true
}

func (c *opContext) feedCheckStatus(buf []byte) ([]byte, bool) {
	// Open question (spec §9): treating the bare substring "Exception" as
	// catastrophic can misfire if device output legitimately contains the
	// word. Preserved as specified.
	if hasToken(buf, "Exception") {
		c.result = Status{Ok: false}
		if c.onException != nil {
			c.onException()
		}
		return nil, true
	}
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	ok := !hasToken(payload, tokenERR) && !hasToken(payload, "Exception")
	c.result = Status{Ok: ok}
	return nil, true
}

func (c *opContext) feedSoftReset(buf []byte) ([]byte, bool) {
	payload, found := cutAtEOO(buf)
	if !found {
		return buf, false
	}
	if c.verbose {
		c.result = CommandWithResponse{Response: string(trimCRLF(payload))}
	} else {
		c.result = CommandResult{Ok: !hasToken(payload, tokenERR)}
	}
	return nil, true
}
