package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordForward(t *testing.T) {
	before := testutil.ToFloat64(ImagesEncodedTotal)
	beforeTotal := TotalImages()

	RecordForward(2, 50*time.Millisecond)
	RecordForward(3, 80*time.Millisecond)

	if got := testutil.ToFloat64(ImagesEncodedTotal) - before; got != 5 {
		t.Errorf("expected 5 images counted, got %v", got)
	}
	if got := TotalImages() - beforeTotal; got != 5 {
		t.Errorf("expected TotalImages to advance by 5, got %d", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := NumericalInstability.WithLabelValues("encoder.0", "nan")
	inf := NumericalInstability.WithLabelValues("encoder.0", "inf")
	nanBefore, infBefore := testutil.ToFloat64(nan), testutil.ToFloat64(inf)

	RecordNumericalInstability("encoder.0", 5, 0)
	RecordNumericalInstability("encoder.0", 0, 3)

	if got := testutil.ToFloat64(nan) - nanBefore; got != 5 {
		t.Errorf("expected 5 NaNs, got %v", got)
	}
	if got := testutil.ToFloat64(inf) - infBefore; got != 3 {
		t.Errorf("expected 3 Infs, got %v", got)
	}
}

func TestRecordValidationError(t *testing.T) {
	c := ValidationErrors.WithLabelValues("patch_embedding", "shape")
	before := testutil.ToFloat64(c)
	RecordValidationError("patch_embedding", "shape")
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("expected one validation error, got %v", got)
	}
}

func TestRecordScratchMemory(t *testing.T) {
	RecordScratchMemory(1 << 20)
	if got := testutil.ToFloat64(ScratchMemory); got != 1<<20 {
		t.Errorf("expected gauge at 1MiB, got %v", got)
	}
	RecordScratchMemory(0)
	if got := testutil.ToFloat64(ScratchMemory); got != 0 {
		t.Errorf("expected gauge reset, got %v", got)
	}
}

func TestRecordExport(t *testing.T) {
	c := ExportedVectors.WithLabelValues("ipc")
	before := testutil.ToFloat64(c)
	RecordExport("ipc", 4)
	if got := testutil.ToFloat64(c) - before; got != 4 {
		t.Errorf("expected 4 exported vectors, got %v", got)
	}
}

func TestHistogramsDoNotPanic(t *testing.T) {
	RecordLayerDuration("patch_embedding", 2*time.Millisecond)
	RecordKernelDuration("matmul", 10*time.Microsecond)
	RecordPatchTokens(196)
}
