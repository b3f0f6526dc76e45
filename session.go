package devsession

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session is the public facade (C6) over one helper child process: it owns
// the Child Supervisor, the Operation Queue, the read buffer and the
// per-operation state machine, and exposes one method per operation kind
// in spec §4.5/§4.6.
type Session struct {
	id     string
	cfg    *Config
	logger *logrus.Entry

	spawnCtx context.Context
	sup      *supervisor
	queue    *operationQueue

	mu        sync.Mutex
	nextOpID  uint64
	active    *opContext
	buf       []byte
	deviceID  string
	connected bool
	pending   map[uint64]*opContext

	// Hard-reset follow mode (spec §4.5 hardReset --listen, §9 design
	// notes: deferred resolver survives the child's exit and respawn).
	followActive bool
	followBuf    []byte
	listenFollow FollowFunc

	// Project sync caches (spec §3, §4.7); overwritten per invocation.
	localHashes  map[string]string
	remoteHashes map[string]string
	projectRoot  string
}

// NewSession spawns the helper for deviceID and returns a ready Session.
func NewSession(ctx context.Context, cfg *Config, deviceID string) (*Session, error) {
	verified, err := verifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}

	sessID := uuid.NewString()
	logger := verified.Logger.WithField("session_id", sessID)

	s := &Session{
		id:       sessID,
		cfg:      verified,
		logger:   logger,
		spawnCtx: ctx,
		sup:      newSupervisor(verified, logger),
		queue:    newOperationQueue(verified.QueueBacklog),
		pending:  make(map[uint64]*opContext),
	}

	if err := s.connect(ctx, deviceID, false); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context, deviceID string, listen bool) error {
	if err := s.sup.spawnSession(ctx, deviceID, listen); err != nil {
		return err
	}
	s.mu.Lock()
	s.deviceID = deviceID
	s.connected = true
	s.buf = nil
	s.active = nil
	s.followActive = listen
	s.followBuf = nil
	s.mu.Unlock()

	go s.recvLoop()
	go s.exitWatchLoop()

	s.logger.WithField("device", deviceID).Info("session connected")
	return nil
}

// IsConnected reports whether a helper is currently alive.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ID returns the session's diagnostic correlation id (SPEC_FULL.md §10
// ambient stack); never used for protocol framing.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device identifier the session is currently
// connected to (or was last connected to).
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// ---- C2 Line/Frame Reader -------------------------------------------------

func (s *Session) recvLoop() {
	stdout := s.sup.Stdout()
	if stdout == nil {
		return
	}
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			s.handleChunk(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleChunk(data []byte) {
	s.mu.Lock()
	if s.followActive {
		s.followBuf = append(s.followBuf, data...)
		buf := s.followBuf
		s.mu.Unlock()
		s.drainFollowLines(buf)
		return
	}

	active := s.active
	if active == nil {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, data...)
	buf := s.buf
	shouldFeed := active.kind.streamsByChar() || bytes.Contains(data, []byte("\n"))
	s.mu.Unlock()

	if !shouldFeed {
		return
	}

	newBuf, done := active.feed(buf)

	s.mu.Lock()
	s.buf = newBuf
	if done {
		s.active = nil
	}
	s.mu.Unlock()

	if done {
		s.completeActive(active, active.result, nil)
	}
}

// drainFollowLines forwards complete lines to the hard-reset follow
// callback, skipping the post-reset "Waiting N seconds for pyboard" notice
// lines (spec §4.3), and tears the listener down on the first !!EOO!!.
func (s *Session) drainFollowLines(buf []byte) {
	if idx := bytes.Index(buf, []byte(tokenEOO)); idx >= 0 {
		s.emitFollowLines(buf[:idx])
		s.mu.Lock()
		s.followActive = false
		s.followBuf = nil
		s.mu.Unlock()
		return
	}

	idx := bytes.LastIndexByte(buf, '\n')
	if idx < 0 {
		return
	}
	complete := buf[:idx+1]
	rest := append([]byte(nil), buf[idx+1:]...)
	s.emitFollowLines(complete)

	s.mu.Lock()
	s.followBuf = rest
	s.mu.Unlock()
}

func (s *Session) emitFollowLines(buf []byte) {
	if s.listenFollow == nil {
		return
	}
	for _, line := range bytes.Split(buf, []byte("\n")) {
		line = trimCRLF(line)
		if len(line) == 0 {
			continue
		}
		if isWaitingForPyboardNotice(string(line)) {
			continue
		}
		s.listenFollow(string(line))
	}
}

// ---- C1 Child Supervisor glue ---------------------------------------------

func (s *Session) exitWatchLoop() {
	exitCh := s.sup.ExitNotifications()
	if exitCh == nil {
		return
	}
	info, ok := <-exitCh
	if !ok {
		return
	}
	s.handleExit(info)
}

func (s *Session) handleExit(info exitInfo) {
	s.mu.Lock()
	active := s.active
	s.connected = false
	s.mu.Unlock()

	if active != nil && active.kind == OpHardReset {
		s.respawnAfterHardReset(active)
		return
	}

	if active != nil {
		s.completeActive(active, nil, fmt.Errorf("%w: %v", ErrUnexpectedExit, info.err))
	}
	s.queue.closeAll()
	s.logger.WithError(info.err).Warn("helper exited unexpectedly")
}

func (s *Session) respawnAfterHardReset(active *opContext) {
	deviceID := s.sup.DeviceID()
	listen := s.listenFollow != nil

	s.logger.Info("respawning helper after hard reset")
	if err := s.sup.spawnSession(s.spawnCtx, deviceID, listen); err != nil {
		active.resolve(nil, fmt.Errorf("devsession: respawn after hard reset: %w", err))
		s.queue.closeAll()
		return
	}

	s.mu.Lock()
	s.connected = true
	s.buf = nil
	s.active = nil
	s.followActive = listen
	s.followBuf = nil
	s.mu.Unlock()

	go s.recvLoop()
	go s.exitWatchLoop()

	active.resolve(CommandResult{Ok: true}, nil)
	s.queue.complete(active.id)
}

// completeActive clears the active slot (if op still holds it), resolves
// it, and drains the next queued operation (spec §4.4).
func (s *Session) completeActive(op *opContext, result any, err error) {
	s.mu.Lock()
	if s.active == op {
		s.active = nil
		s.buf = nil
	}
	s.mu.Unlock()

	op.resolve(result, err)
	s.queue.complete(op.id)
}

// forceDisconnect kills the child (if any), marks the session disconnected
// and releases every parked/active waiter with the sentinel result (spec
// §4.6 disconnect, §7 Cancelled, §8 property 3).
func (s *Session) forceDisconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	active := s.active
	s.active = nil
	s.buf = nil
	s.mu.Unlock()

	s.sup.Kill()
	if active != nil {
		active.resolve(nil, nil)
	}
	s.queue.closeAll()
}

// ---- C4/C3 plumbing used by every facade method ---------------------------

func (s *Session) nextID() uint64 {
	return atomic.AddUint64(&s.nextOpID, 1)
}

// doOperation is the shared path every facade method funnels through:
// build the request, enqueue it, wait to become active, write it, and wait
// for a typed result (spec §4.4, §4.6).
func (s *Session) doOperation(ctx context.Context, kind OperationKind, command string, args map[string]any, progress ProgressFunc) (any, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	line, err := encodeRequest(command, args)
	if err != nil {
		return nil, err
	}

	id := s.nextID()
	op := newOpContext(id, kind, line)
	op.progress = progress
	op.logger = s.logger.WithFields(logrus.Fields{"op_id": id, "op_kind": kind.String()})
	op.onDisconnect = s.forceDisconnect
	op.onException = func() { s.forceDisconnect() }

	s.mu.Lock()
	s.pending[id] = op
	s.mu.Unlock()

	wake, err := s.queue.enqueue(id)
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case <-wake:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	if !s.queue.isActive(id) {
		// Queue was closed out from under this operation before it ever
		// became active (switchDevice / disconnect race): sentinel None.
		return nil, nil
	}

	s.activateOperation(op)

	result, err := op.wait(ctx)
	s.queue.complete(id)
	return result, err
}

func (s *Session) activateOperation(op *opContext) {
	s.mu.Lock()
	s.active = op
	s.buf = nil
	stdin := s.sup.Stdin()
	s.mu.Unlock()

	op.stdin = stdin
	if stdin == nil {
		s.completeActive(op, nil, ErrWriteFailed)
		return
	}

	if _, err := writeRequestLine(stdin, op.request); err != nil {
		s.completeActive(op, nil, fmt.Errorf("%w: %v", ErrWriteFailed, err))
		return
	}

	if op.kind == OpExit {
		// Fire-and-forget: no reply expected (spec §4.5 exit).
		s.completeActive(op, nil, nil)
	}
	// Everything else resolves asynchronously via recvLoop.feed, or via
	// handleExit for hardReset.
}

// ---- §4.5/§4.6 facade methods ----------------------------------------------

// Command runs a raw REPL command.
func (s *Session) Command(ctx context.Context, command string, interactive bool, progress ProgressFunc) (any, error) {
	args := map[string]any{"command": command}
	if interactive {
		args["interactive"] = true
	}
	return s.doOperation(ctx, OpCommand, "command", args, progress)
}

// FriendlyCommand runs code through the helper's "friendly" REPL wrapper.
func (s *Session) FriendlyCommand(ctx context.Context, code string, progress ProgressFunc) (any, error) {
	return s.doOperation(ctx, OpFriendlyCommand, "friendly_code", map[string]any{"code": code}, progress)
}

// RetrieveTabComp asks the helper for tab-completion candidates for code.
func (s *Session) RetrieveTabComp(ctx context.Context, code string) (TabComp, error) {
	res, err := s.doOperation(ctx, OpRetrieveTabComp, "retrieve_tab_comp", map[string]any{"code": code}, nil)
	if tc, ok := res.(TabComp); ok {
		return tc, err
	}
	return TabComp{}, err
}

// RunFile streams execution of one or more files on the device.
func (s *Session) RunFile(ctx context.Context, files []string, progress ProgressFunc) (any, error) {
	return s.doOperation(ctx, OpRunFile, "run_file", map[string]any{"files": files}, progress)
}

// CtrlD sends the REPL soft-interrupt/continue signal.
func (s *Session) CtrlD(ctx context.Context, progress ProgressFunc) (any, error) {
	return s.doOperation(ctx, OpCtrlD, "ctrl_d", nil, progress)
}

// ListContents lists one directory's immediate children.
func (s *Session) ListContents(ctx context.Context, target string) (ListContents, error) {
	res, err := s.doOperation(ctx, OpListContents, "list_contents", map[string]any{"target": target}, nil)
	if lc, ok := res.(ListContents); ok {
		return lc, err
	}
	return ListContents{}, err
}

// ListContentsRecursive lists a whole subtree.
func (s *Session) ListContentsRecursive(ctx context.Context, target string) (ListContents, error) {
	res, err := s.doOperation(ctx, OpListContentsRecursive, "list_contents_recursive", map[string]any{"target": target}, nil)
	if lc, ok := res.(ListContents); ok {
		return lc, err
	}
	return ListContents{}, err
}

// UploadFiles copies local files onto the device at remote. localBaseDir is
// attached only when non-empty (spec §4.6).
func (s *Session) UploadFiles(ctx context.Context, files []string, remote, localBaseDir string, verbose bool, progress ProgressFunc) (Status, error) {
	args := map[string]any{"files": files, "remote": remote}
	if localBaseDir != "" {
		args["local_base_dir"] = localBaseDir
	}
	if verbose {
		args["verbose"] = true
	}
	return s.doFsMutation(ctx, OpUploadFiles, "upload_files", args, files, verbose, progress)
}

// DownloadFiles copies device files to a local destination.
func (s *Session) DownloadFiles(ctx context.Context, files []string, local string, verbose bool, progress ProgressFunc) (Status, error) {
	args := map[string]any{"files": files, "local": local}
	if verbose {
		args["verbose"] = true
	}
	return s.doFsMutation(ctx, OpDownloadFiles, "download_files", args, files, verbose, progress)
}

// DeleteFiles removes files from the device.
func (s *Session) DeleteFiles(ctx context.Context, files []string) (Status, error) {
	return s.doFsMutation(ctx, OpDeleteFiles, "delete_files", map[string]any{"files": files}, nil, false, nil)
}

// CreateFolders makes directories on the device, tolerating ones that
// already exist (spec §4.5 fs-mutation EXIST carve-out).
func (s *Session) CreateFolders(ctx context.Context, folders []string) (Status, error) {
	return s.doFsMutation(ctx, OpCreateFolders, "mkdirs", map[string]any{"folders": folders}, nil, false, nil)
}

// DeleteFolders removes empty directories.
func (s *Session) DeleteFolders(ctx context.Context, folders []string) (Status, error) {
	return s.doFsMutation(ctx, OpDeleteFolders, "rmdirs", map[string]any{"folders": folders}, nil, false, nil)
}

// DeleteFolderRecursive removes a directory tree.
func (s *Session) DeleteFolderRecursive(ctx context.Context, folders []string) (Status, error) {
	return s.doFsMutation(ctx, OpDeleteFolderRecursive, "rmtree", map[string]any{"folders": folders}, nil, false, nil)
}

// DeleteFileOrFolder removes a single target, optionally recursively.
func (s *Session) DeleteFileOrFolder(ctx context.Context, target string, recursive bool) (Status, error) {
	args := map[string]any{"target": target, "recursive": recursive}
	return s.doFsMutation(ctx, OpDeleteFileOrFolder, "rm_file_or_dir", args, nil, false, nil)
}

func (s *Session) doFsMutation(ctx context.Context, kind OperationKind, command string, args map[string]any, files []string, verbose bool, progress ProgressFunc) (Status, error) {
	if !s.IsConnected() {
		return Status{Ok: false}, ErrNotConnected
	}

	line, err := encodeRequest(command, args)
	if err != nil {
		return Status{}, err
	}
	id := s.nextID()
	op := newOpContext(id, kind, line)
	op.progress = progress
	op.verbose = verbose
	op.files = files
	op.logger = s.logger.WithFields(logrus.Fields{"op_id": id, "op_kind": kind.String()})

	res, err := s.runPreparedOperation(ctx, op)
	if st, ok := res.(Status); ok {
		return st, err
	}
	return Status{Ok: false}, err
}

// runPreparedOperation is doOperation's body, factored out so callers that
// need to set extra opContext fields (verbose, files, path) before
// activation can still share the enqueue/activate/wait machinery.
func (s *Session) runPreparedOperation(ctx context.Context, op *opContext) (any, error) {
	s.mu.Lock()
	s.pending[op.id] = op
	s.mu.Unlock()

	wake, err := s.queue.enqueue(op.id)
	if err != nil {
		s.mu.Lock()
		delete(s.pending, op.id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case <-wake:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	delete(s.pending, op.id)
	s.mu.Unlock()

	if !s.queue.isActive(op.id) {
		return nil, nil
	}

	s.activateOperation(op)

	result, err := op.wait(ctx)
	s.queue.complete(op.id)
	return result, err
}

// calcHashes issues calc_file_hashes and returns the helper's reported
// path->hash map; not exposed directly on the facade (spec §4.5 calcHashes
// notes that its caller is uploadProject, §4.7), only used internally.
func (s *Session) calcHashes(ctx context.Context, files []string) (map[string]string, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	line, err := encodeRequest("calc_file_hashes", map[string]any{"files": files})
	if err != nil {
		return nil, err
	}
	id := s.nextID()
	op := newOpContext(id, OpCalcHashes, line)
	op.logger = s.logger.WithFields(logrus.Fields{"op_id": id, "op_kind": OpCalcHashes.String()})

	res, err := s.runPreparedOperation(ctx, op)
	if err != nil || res == nil {
		return nil, err
	}
	chr, ok := res.(calcHashesResult)
	if !ok {
		return nil, nil
	}
	return chr.RemoteHashes, nil
}

// GetItemStat fetches metadata for a single path.
func (s *Session) GetItemStat(ctx context.Context, item string) (GetItemStat, error) {
	if !s.IsConnected() {
		return GetItemStat{}, ErrNotConnected
	}
	line, err := encodeRequest("get_item_stat", map[string]any{"item": item})
	if err != nil {
		return GetItemStat{}, err
	}
	id := s.nextID()
	op := newOpContext(id, OpGetItemStat, line)
	op.path = item
	op.logger = s.logger.WithFields(logrus.Fields{"op_id": id, "op_kind": OpGetItemStat.String()})

	res, err := s.runPreparedOperation(ctx, op)
	if gs, ok := res.(GetItemStat); ok {
		return gs, err
	}
	return GetItemStat{}, err
}

// RenameItem renames/moves item to target.
func (s *Session) RenameItem(ctx context.Context, item, target string) (Status, error) {
	res, err := s.doOperation(ctx, OpRenameItem, "rename", map[string]any{"item": item, "target": target}, nil)
	if st, ok := res.(Status); ok {
		return st, err
	}
	return Status{}, err
}

// SyncRtc pushes the host's clock to the device. Unlike every other
// facade method it resolves to Status{Ok:false} rather than the sentinel
// when disconnected (spec §4.6).
func (s *Session) SyncRtc(ctx context.Context) (Status, error) {
	if !s.IsConnected() {
		return Status{Ok: false}, nil
	}
	res, err := s.doOperation(ctx, OpSyncRtc, "sync_rtc", nil, nil)
	if st, ok := res.(Status); ok {
		return st, err
	}
	return Status{Ok: false}, err
}

// GetRtcTime reads the device's RTC.
func (s *Session) GetRtcTime(ctx context.Context) (RtcTime, error) {
	res, err := s.doOperation(ctx, OpGetRtcTime, "get_rtc_time", nil, nil)
	if rt, ok := res.(RtcTime); ok {
		return rt, err
	}
	return RtcTime{}, err
}

// CheckStatus probes the helper; a no-op returning a benign Status when the
// queue already has work in flight (spec §4.6).
func (s *Session) CheckStatus(ctx context.Context) (Status, error) {
	if s.queue.len() > 0 {
		return Status{Ok: true}, nil
	}
	res, err := s.doOperation(ctx, OpCheckStatus, "status", nil, nil)
	if st, ok := res.(Status); ok {
		return st, err
	}
	return Status{}, err
}

// SoftReset issues a soft reset; verbose requests the full response text
// instead of a plain ok flag.
func (s *Session) SoftReset(ctx context.Context, verbose bool) (any, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	line, err := encodeRequest("soft_reset", nil)
	if err != nil {
		return nil, err
	}
	id := s.nextID()
	op := newOpContext(id, OpSoftReset, line)
	op.verbose = verbose
	op.logger = s.logger.WithFields(logrus.Fields{"op_id": id, "op_kind": OpSoftReset.String()})
	return s.runPreparedOperation(ctx, op)
}

// HardReset issues a hard reset. If follow is non-nil the respawned helper
// is started with --listen and subsequent boot output is streamed to
// follow until the first !!EOO!! (spec §4.5 hardReset).
func (s *Session) HardReset(ctx context.Context, follow FollowFunc) (CommandResult, error) {
	if !s.IsConnected() {
		return CommandResult{}, ErrNotConnected
	}
	s.mu.Lock()
	s.listenFollow = follow
	s.mu.Unlock()

	line, err := encodeRequest("hard_reset", nil)
	if err != nil {
		return CommandResult{}, err
	}
	id := s.nextID()
	op := newOpContext(id, OpHardReset, line)
	op.logger = s.logger.WithFields(logrus.Fields{"op_id": id, "op_kind": OpHardReset.String()})

	res, err := s.runPreparedOperation(ctx, op)
	if cr, ok := res.(CommandResult); ok {
		return cr, err
	}
	return CommandResult{}, err
}

// StartStatusPolling starts the best-effort background status poller
// described in SPEC_FULL.md §12 (supplemented feature). It is a no-op if
// Config.StatusPollInterval is zero. The returned func stops polling.
func (s *Session) StartStatusPolling(ctx context.Context) func() {
	if s.cfg.StatusPollInterval <= 0 {
		return func() {}
	}
	pollCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.cfg.StatusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				st, err := s.CheckStatus(pollCtx)
				if err == nil && !st.Ok {
					s.logger.Warn("status poll reported not-ok")
				}
			}
		}
	}()
	return cancel
}

// Disconnect tears the session down. Graceful issues an `exit` request and
// waits up to Config.DisconnectGraceTimeout before forcing a kill;
// otherwise it kills immediately (spec §4.6).
func (s *Session) Disconnect(ctx context.Context, graceful bool) error {
	if !graceful {
		s.forceDisconnect()
		return nil
	}

	_, _ = s.doOperation(ctx, OpExit, "exit", nil, nil)

	deadline := time.Now().Add(s.cfg.DisconnectGraceTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) && s.IsConnected() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			deadline = time.Time{}
		}
	}
	s.forceDisconnect()
	return nil
}

// SwitchDevice tears down the current child and everything it owed
// callers (resolving them all to the sentinel result), then spawns a fresh
// helper for newDeviceID (spec §4.1, §5 cancellation, §8 property 3).
func (s *Session) SwitchDevice(ctx context.Context, newDeviceID string) error {
	if newDeviceID == "" {
		return ErrInvalidDevice
	}
	s.forceDisconnect()
	s.queue.reopen()

	s.mu.Lock()
	s.id = uuid.NewString()
	s.logger = s.cfg.Logger.WithField("session_id", s.id)
	s.buf = nil
	s.active = nil
	s.followActive = false
	s.followBuf = nil
	s.mu.Unlock()

	return s.connect(ctx, newDeviceID, false)
}

// ScanPorts spawns a one-shot helper in --scan-ports mode, reads until
// !!EOO!!, and returns the discovered ports (spec §4.5 scanPorts). It does
// not require an existing Session.
func ScanPorts(ctx context.Context, cfg *Config) (PortsScan, error) {
	verified, err := verifyConfig(cfg)
	if err != nil {
		return PortsScan{}, err
	}
	child, err := spawnHelperWithArgs(ctx, verified, scanArgs())
	if err != nil {
		return PortsScan{}, err
	}
	defer func() {
		if child.cmd.Process != nil {
			_ = child.cmd.Process.Kill()
		}
		_ = child.cmd.Wait()
	}()

	payload, err := readUntilEOO(ctx, child.stdout)
	if err != nil {
		return PortsScan{}, err
	}
	cleaned := cleanPayload(payload)
	var ports []string
	for _, line := range bytes.Split(cleaned, []byte("\n")) {
		line = trimCRLF(line)
		if len(line) == 0 {
			continue
		}
		ports = append(ports, string(line))
	}
	return PortsScan{Ports: ports}, nil
}
