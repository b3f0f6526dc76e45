package devsession

import (
	"testing"
)

func TestFeedListContentsParsesSizeAndPath(t *testing.T) {
	c := newOpContext(1, OpListContents, nil)
	buf := []byte("  42 foo\n   0 bar/\n!!EOO!!\n")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected operation to be done")
	}
	lc, ok := c.result.(ListContents)
	if !ok {
		t.Fatalf("expected ListContents result, got %T", c.result)
	}
	if len(lc.Files) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lc.Files))
	}
	if lc.Files[0].Path != "foo" || lc.Files[0].IsDir || lc.Files[0].Size != 42 {
		t.Errorf("unexpected first entry: %+v", lc.Files[0])
	}
	if lc.Files[1].Path != "bar/" || !lc.Files[1].IsDir || lc.Files[1].Size != 0 {
		t.Errorf("unexpected second entry: %+v", lc.Files[1])
	}
}

func TestFeedListContentsSkipsMalformedLines(t *testing.T) {
	c := newOpContext(1, OpListContents, nil)
	buf := []byte("not-two-fields\n  10 ok.py\n!!EOO!!\n")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	lc := c.result.(ListContents)
	if len(lc.Files) != 1 || lc.Files[0].Path != "ok.py" {
		t.Errorf("unexpected result: %+v", lc.Files)
	}
}

func TestFeedFsMutationExistIsSuccess(t *testing.T) {
	c := newOpContext(1, OpCreateFolders, nil)
	buf := []byte("mkdir: EXIST\n!!ERR!!\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	st := c.result.(Status)
	if !st.Ok {
		t.Error("EXIST carve-out should map to Status{Ok:true}")
	}
}

func TestFeedFsMutationErrWithoutExistIsFailure(t *testing.T) {
	c := newOpContext(1, OpDeleteFiles, nil)
	buf := []byte("no such file\n!!ERR!!\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	st := c.result.(Status)
	if st.Ok {
		t.Error("plain !!ERR!! without EXIST should be a failure")
	}
}

func TestFeedFsMutationVerboseProgressFrames(t *testing.T) {
	var calls []string
	c := newOpContext(1, OpUploadFiles, nil)
	c.verbose = true
	c.files = []string{"/a.py", "/b.py"}
	c.progress = func(chunk string) { calls = append(calls, chunk) }

	_, done := c.feed([]byte(`{"written":50,"total":100,"currentFilePos":1,"totalFilesCount":2}` + "\n"))
	if done {
		t.Fatal("progress frame should not complete the operation")
	}
	_, done = c.feed([]byte(`{"written":100,"total":100,"currentFilePos":2,"totalFilesCount":2}` + "\n"))
	if done {
		t.Fatal("progress frame should not complete the operation")
	}
	_, done = c.feed([]byte("!!EOO!!"))
	if !done {
		t.Fatal("expected done after EOO")
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 progress callbacks, got %d: %v", len(calls), calls)
	}
	if calls[0] != "'/a.py' [1/2]" {
		t.Errorf("unexpected first callback: %q", calls[0])
	}
	if calls[1] != "'/b.py' [2/2]" {
		t.Errorf("unexpected second callback: %q", calls[1])
	}
	st := c.result.(Status)
	if !st.Ok {
		t.Error("expected success")
	}
}

func TestFeedCalcHashesParsesHashFrames(t *testing.T) {
	c := newOpContext(1, OpCalcHashes, nil)
	buf := []byte(`{"file":"a.py","hash":"aa"}` + "\n" + `{"file":"b.py","hash":"bb"}` + "\nerror line\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	chr := c.result.(calcHashesResult)
	if chr.RemoteHashes["a.py"] != "aa" || chr.RemoteHashes["b.py"] != "bb" {
		t.Errorf("unexpected hashes: %+v", chr.RemoteHashes)
	}
	if len(chr.RemoteHashes) != 2 {
		t.Errorf("error line should have been skipped, got %d entries", len(chr.RemoteHashes))
	}
}

func TestFeedGetItemStatMillisecondPrecision(t *testing.T) {
	c := newOpContext(1, OpGetItemStat, nil)
	c.path = "/main.py"
	buf := []byte(`{"creation_time":1000,"modification_time":2000,"size":123,"is_dir":false}` + "\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	gs := c.result.(GetItemStat)
	if gs.Stat == nil {
		t.Fatal("expected a stat record")
	}
	if gs.Stat.Path != "/main.py" || gs.Stat.Size != 123 {
		t.Errorf("unexpected record: %+v", gs.Stat)
	}
	if gs.Stat.Created.UnixMilli() != 1000*1000 {
		t.Errorf("expected millisecond-scaled creation time, got %v", gs.Stat.Created)
	}
}

func TestFeedGetItemStatErrYieldsNilStat(t *testing.T) {
	c := newOpContext(1, OpGetItemStat, nil)
	buf := []byte("!!ERR!!\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	gs := c.result.(GetItemStat)
	if gs.Stat != nil {
		t.Error("expected nil stat on !!ERR!!")
	}
}

func TestFeedRenameItem(t *testing.T) {
	c := newOpContext(1, OpRenameItem, nil)
	buf := []byte(`{"success":true}` + "\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	st := c.result.(Status)
	if !st.Ok {
		t.Error("expected success")
	}
}

func TestFeedGetRtcTime(t *testing.T) {
	c := newOpContext(1, OpGetRtcTime, nil)
	buf := []byte("(2024, 3, 15, 4, 10, 30, 0, 0)\n!!EOO!!")
	_, done := c.feed(buf)
	if !done {
		t.Fatal("expected done")
	}
	rt := c.result.(RtcTime)
	if rt.Time == nil {
		t.Fatal("expected a parsed time")
	}
}

func TestFeedCheckStatusExceptionMidStream(t *testing.T) {
	var exceptionFired bool
	c := newOpContext(1, OpCheckStatus, nil)
	c.onException = func() { exceptionFired = true }

	_, done := c.feed([]byte("Traceback: Exception occurred"))
	if !done {
		t.Fatal("mid-stream Exception should terminate the op immediately")
	}
	st := c.result.(Status)
	if st.Ok {
		t.Error("expected Status{Ok:false}")
	}
	if !exceptionFired {
		t.Error("expected onException to fire")
	}
}

func TestFeedSoftResetVerbose(t *testing.T) {
	c := newOpContext(1, OpSoftReset, nil)
	c.verbose = true
	_, done := c.feed([]byte("MPY: soft reboot\n!!EOO!!"))
	if !done {
		t.Fatal("expected done")
	}
	cwr := c.result.(CommandWithResponse)
	if cwr.Response != "MPY: soft reboot" {
		t.Errorf("unexpected response: %q", cwr.Response)
	}
}

func TestFeedCommandLikeTabCompSimple(t *testing.T) {
	c := newOpContext(1, OpRetrieveTabComp, nil)
	_, done := c.feed([]byte(tokenSimpleAutoComp + "uos.listdir\n!!EOO!!"))
	if !done {
		t.Fatal("expected done")
	}
	tc := c.result.(TabComp)
	if !tc.IsSimple || tc.Completion != "uos.listdir" {
		t.Errorf("unexpected tab completion: %+v", tc)
	}
}

func TestFeedCommandLikeErrForcesDisconnect(t *testing.T) {
	var disconnected bool
	c := newOpContext(1, OpCommand, nil)
	c.onDisconnect = func() { disconnected = true }

	_, done := c.feed([]byte("Traceback...ZeroDivisionError\n!!ERR!!\n!!EOO!!\n"))
	if !done {
		t.Fatal("expected done")
	}
	if !disconnected {
		t.Error("command-like !!ERR!! must force a disconnect")
	}
	cwr := c.result.(CommandWithResponse)
	if cwr.Response != "Traceback...ZeroDivisionError" {
		t.Errorf("unexpected response: %q", cwr.Response)
	}
}

func TestFeedCommandLikeStreamsProgressCharByChar(t *testing.T) {
	var chunks []string
	c := newOpContext(1, OpCommand, nil)
	c.progress = func(s string) { chunks = append(chunks, s) }

	_, done := c.feed([]byte("partial output"))
	if done {
		t.Fatal("should not be done without a terminator")
	}
	if len(chunks) != 1 || chunks[0] != "partial output" {
		t.Fatalf("unexpected streamed chunks: %v", chunks)
	}

	_, done = c.feed([]byte("!!EOO!!"))
	if !done {
		t.Fatal("expected done at EOO")
	}
	cr := c.result.(CommandResult)
	if !cr.Ok {
		t.Error("expected success")
	}
}

func TestOpContextResolveExactlyOnce(t *testing.T) {
	c := newOpContext(1, OpCommand, nil)
	c.resolve(CommandResult{Ok: true}, nil)
	c.resolve(CommandResult{Ok: false}, errResolveTwice)

	res, err := c.result, c.err
	if err != nil {
		t.Fatalf("second resolve must be a no-op, got err=%v", err)
	}
	cr := res.(CommandResult)
	if !cr.Ok {
		t.Error("first resolve's value must win")
	}
}

var errResolveTwice = &testSentinelErr{"second resolve"}

type testSentinelErr struct{ s string }

func (e *testSentinelErr) Error() string { return e.s }
