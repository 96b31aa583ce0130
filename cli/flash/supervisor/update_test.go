//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package supervisor

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "not an *Error: %#v", err)
	require.Equal(t, kind, e.Kind, "%s", err)
	return e
}

func TestUpdateCommon(t *testing.T) {
	f := newCommonFake(0x7250, 3)
	payload := testPayload(256)
	im := testImage(t, ExtendedFooter, payload, Footer{Model: 0x7250, Revision: 4})
	opts := testOpts()
	var progress [][2]int
	opts.Progress = func(sent, total int) { progress = append(progress, [2]int{sent, total}) }

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, uint16(3), res.From)
	assert.Equal(t, uint16(4), res.To)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 256, res.BytesWritten)

	assert.Equal(t, 2, f.blockWrites)
	assert.Equal(t, payload, f.flash)
	assert.Equal(t, 1, f.opens)
	assert.Equal(t, 1, f.closes)
	assert.Equal(t, StatusClosed, f.status)
	assert.True(t, f.applied)
	assert.Equal(t, [][2]int{{0, 256}, {128, 256}, {256, 256}}, progress)
}

func TestUpdateLegacy(t *testing.T) {
	f := newLegacyFake(7)
	payload := testPayload(384)
	im := testImage(t, LegacyFooter, payload, Footer{Revision: 8})
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, 3, f.blockWrites)
	assert.Equal(t, payload, f.flash)
	assert.Equal(t, StatusDone, f.status)
	assert.True(t, f.reset)
}

func TestUpdateAlreadyCurrent(t *testing.T) {
	for _, rev := range []uint16{5, 6} {
		f := newCommonFake(0x7250, rev)
		im := testImage(t, ExtendedFooter, testPayload(128), Footer{Model: 0x7250, Revision: 5})
		opts := testOpts()

		res, err := Update(testDevice(t, f, opts), im, opts)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyCurrent, res.Outcome)
		assert.Equal(t, 0, res.Attempts)
		assert.Equal(t, 0, f.writes, "device rev %d", rev)
	}
}

func TestUpdateForceSameRevision(t *testing.T) {
	f := newCommonFake(0x7250, 5)
	im := testImage(t, ExtendedFooter, testPayload(128), Footer{Model: 0x7250, Revision: 5})
	opts := testOpts()
	opts.Force = true

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, 1, f.blockWrites)
}

func TestUpdateDryRun(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	im := testImage(t, ExtendedFooter, testPayload(256), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()
	opts.DryRun = true

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, res.Outcome)
	assert.Equal(t, 0, f.writes)
	assert.Equal(t, 0, f.statusReads)
}

func TestUpdateModelMismatch(t *testing.T) {
	f := newCommonFake(0x7970, 1)
	im := testImage(t, ExtendedFooter, testPayload(128), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()
	opts.Force = true

	_, err := Update(testDevice(t, f, opts), im, opts)
	e := requireKind(t, err, KindModelMismatch)
	assert.Equal(t, PhaseCheck, e.Phase)
	assert.Contains(t, err.Error(), "This update is for a 7250, not a 7970")
	assert.Equal(t, 0, f.writes)
}

func TestUpdateUnsupportedDevice(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	f.features = uint16(FeatureRSTC)
	im := testImage(t, ExtendedFooter, testPayload(128), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()

	_, err := Update(testDevice(t, f, opts), im, opts)
	requireKind(t, err, KindUnsupportedDevice)
	assert.Equal(t, 0, f.writes)

	opts.Force = true
	_, err = Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, f.blockWrites)
}

func TestUpdateLegacyRevisionTooOld(t *testing.T) {
	f := newLegacyFake(6)
	im := testImage(t, LegacyFooter, testPayload(128), Footer{Revision: 9})
	opts := testOpts()

	_, err := Update(testDevice(t, f, opts), im, opts)
	requireKind(t, err, KindUnsupportedDevice)
	assert.Equal(t, 0, f.writes)
}

func TestUpdateWaitThenDone(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	f.waits = 5
	im := testImage(t, ExtendedFooter, testPayload(256), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, f.blockWrites)
	// Two reads opening, 5 Wait reads and the real status per block, one closing.
	assert.Equal(t, 2+2*6+1, f.statusReads)
}

func TestUpdateWaitForever(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	f.waits = -1
	im := testImage(t, ExtendedFooter, testPayload(256), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	e := requireKind(t, err, KindRetriesExhausted)
	assert.Equal(t, PhaseBlock, e.Phase)
	assert.Equal(t, KindDeviceBusy, KindOf(e.Err))
	assert.Equal(t, DefaultAttempts, res.Attempts)
	assert.Equal(t, DefaultAttempts, f.blockWrites)
	assert.LessOrEqual(t, f.statusReads, DefaultAttempts*(opts.Timing.MaxPolls+3))
	assert.False(t, f.applied)
}

func TestUpdateWaitForeverLegacy(t *testing.T) {
	f := newLegacyFake(7)
	f.waits = -1
	im := testImage(t, LegacyFooter, testPayload(256), Footer{Revision: 8})
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	e := requireKind(t, err, KindDeviceBusy)
	assert.Equal(t, PhaseBlock, e.Phase)
	assert.Equal(t, 0, e.Block)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1+opts.Timing.MaxPolls, f.statusReads)
	assert.False(t, f.reset)
}

func TestUpdateRetrySucceeds(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	f.failAt = map[int]FlashStatus{1: StatusCRCError}
	payload := testPayload(384)
	im := testImage(t, ExtendedFooter, payload, Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()
	var lines []string
	opts.Reportf = func(format string, args ...interface{}) { lines = append(lines, format) }

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	// One good block, one bad, then three on the second attempt.
	assert.Equal(t, 5, f.blockWrites)
	assert.Equal(t, payload, f.flash)
	assert.True(t, f.applied)
	assert.Contains(t, lines, "Attempt %d/%d failed: %s, retrying")
}

func TestUpdateRetryBudget(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	f.failAt = map[int]FlashStatus{0: StatusWriteError, 1: StatusWriteError, 2: StatusWriteError}
	im := testImage(t, ExtendedFooter, testPayload(128), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()
	d := testDevice(t, f, opts)
	SetAttempts(d, 3)

	res, err := Update(d, im, opts)
	e := requireKind(t, err, KindRetriesExhausted)
	assert.Contains(t, e.Error(), "retries exhausted after 3 attempts")
	inner := requireKind(t, e.Err, KindDeviceReported)
	assert.Equal(t, StatusWriteError, inner.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, f.opens)
}

func TestUpdateLegacyFailsOnce(t *testing.T) {
	f := newLegacyFake(7)
	f.failAt = map[int]FlashStatus{1: StatusCRCError}
	im := testImage(t, LegacyFooter, testPayload(384), Footer{Revision: 8})
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	e := requireKind(t, err, KindDeviceReported)
	assert.Equal(t, PhaseBlock, e.Phase)
	assert.Equal(t, 1, e.Block)
	assert.Equal(t, StatusCRCError, e.Status)
	assert.Contains(t, err.Error(), "Flash received bad data CRC!")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, f.opens)
	assert.False(t, f.reset)
}

func TestUpdateShortTransfer(t *testing.T) {
	// The device expects more than the image holds and stays IN_PROC.
	f := newLegacyFake(7)
	im := testImage(t, LegacyFooter, testPayload(256), Footer{Revision: 8})
	opts := testOpts()
	d := testDevice(t, f, opts)
	f.failAt = map[int]FlashStatus{1: StatusInProcess}

	_, err := Update(d, im, opts)
	e := requireKind(t, err, KindDeviceReported)
	assert.Equal(t, PhaseVerify, e.Phase)
	assert.Equal(t, StatusInProcess, e.Status)
}

type truncReader struct {
	data []byte
	cut  int64
}

func (r *truncReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.cut && off < int64(len(r.data))-int64(ExtendedFooter.Size) {
		return 0, errors.New("bin vanished")
	}
	return copy(p, r.data[off:]), nil
}

func TestUpdateImageReadErrorNotRetried(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	data := testImageData(ExtendedFooter, testPayload(256), Footer{Model: 0x7250, Revision: 2})
	im, err := NewImage(&truncReader{data: data, cut: 128}, int64(len(data)), ExtendedFooter, true)
	require.NoError(t, err)
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	e := requireKind(t, err, KindIO)
	assert.Equal(t, PhaseBlock, e.Phase)
	assert.Equal(t, 1, e.Block)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, f.blockWrites)
	assert.False(t, f.applied)
}

func TestUpdateReopensStaleFlash(t *testing.T) {
	f := newCommonFake(0x7250, 1)
	f.status = StatusInProcess
	im := testImage(t, ExtendedFooter, testPayload(128), Footer{Model: 0x7250, Revision: 2})
	opts := testOpts()

	res, err := Update(testDevice(t, f, opts), im, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, f.closes)
}
