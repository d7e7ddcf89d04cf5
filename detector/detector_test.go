package detector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"incident-analyze-pipeline/inference"
	"incident-analyze-pipeline/models"
	"incident-analyze-pipeline/retry"
)

// scriptedGateway returns canned responses per GenerateFromImages call.
type scriptedGateway struct {
	inference.Gateway
	calls     int
	batchLens []int
	respond   func(call int, images [][]byte) (string, error)
}

func (g *scriptedGateway) GenerateFromImages(_ context.Context, images [][]byte, _ string) (string, error) {
	call := g.calls
	g.calls++
	g.batchLens = append(g.batchLens, len(images))
	return g.respond(call, images)
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Base:        time.Second,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func testProfile(t *testing.T) *models.Profile {
	t.Helper()
	p, err := models.ProfileByName(models.ProfilePublicSafety)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{0xff, 0xd8, byte(i)}
	}
	return out
}

func TestDetectReoffsetsBatchIndices(t *testing.T) {
	// Each batch reports detections for its local index 0 and 1; the result
	// must land on the matching global frames.
	gw := &scriptedGateway{
		respond: func(call int, images [][]byte) (string, error) {
			resp := "["
			for i := range images {
				if i > 0 {
					resp += ","
				}
				resp += fmt.Sprintf(`{"image_index": %d, "detections": [
					{"box_2d": [0, 0, 500, 500], "type": "person", "confidence": 0.9,
					 "description": "batch %d local %d"}]}`, i, call, i)
			}
			return resp + "]", nil
		},
	}

	d := New(gw, testProfile(t), testPolicy(), 2)
	got := d.Detect(context.Background(), frames(5))

	if len(got) != 5 {
		t.Fatalf("got %d groups, want 5", len(got))
	}
	wantBatches := []int{2, 2, 1}
	if len(gw.batchLens) != len(wantBatches) {
		t.Fatalf("got %d batches, want %d", len(gw.batchLens), len(wantBatches))
	}
	for i, want := range wantBatches {
		if gw.batchLens[i] != want {
			t.Errorf("batch %d size = %d, want %d", i, gw.batchLens[i], want)
		}
	}
	for i, fd := range got {
		if fd.ImageIndex != i {
			t.Errorf("group %d has image index %d", i, fd.ImageIndex)
		}
		if len(fd.Detections) != 1 {
			t.Errorf("frame %d: got %d detections, want 1", i, len(fd.Detections))
			continue
		}
		wantDesc := fmt.Sprintf("batch %d local %d", i/2, i%2)
		if fd.Detections[0].Description != wantDesc {
			t.Errorf("frame %d description = %q, want %q", i, fd.Detections[0].Description, wantDesc)
		}
	}
}

func TestDetectExhaustedBatchYieldsEmptyDetections(t *testing.T) {
	// First batch is permanently overloaded, second succeeds. All frames must
	// still be present in the result.
	overloadCalls := 0
	gw := &scriptedGateway{
		respond: func(call int, images [][]byte) (string, error) {
			if overloadCalls < 3 {
				overloadCalls++
				return "", errors.New("API error (status 429): quota exceeded")
			}
			return `[{"image_index": 0, "detections": [
				{"box_2d": [0, 0, 100, 100], "type": "weapon", "confidence": 0.8, "description": "knife"}]}]`, nil
		},
	}

	d := New(gw, testProfile(t), testPolicy(), 2)
	got := d.Detect(context.Background(), frames(3))

	if len(got) != 3 {
		t.Fatalf("got %d groups, want 3", len(got))
	}
	if len(got[0].Detections) != 0 || len(got[1].Detections) != 0 {
		t.Errorf("exhausted batch frames must have empty detections, got %v and %v",
			got[0].Detections, got[1].Detections)
	}
	if got[0].Detections == nil || got[1].Detections == nil {
		t.Error("empty detections must be empty slices, not nil")
	}
	if len(got[2].Detections) != 1 {
		t.Errorf("frame 2: got %d detections, want 1", len(got[2].Detections))
	}
}

func TestDetectDropsOutOfRangeAndUnknownType(t *testing.T) {
	gw := &scriptedGateway{
		respond: func(call int, images [][]byte) (string, error) {
			return `[
				{"image_index": 0, "detections": [
					{"box_2d": [0, 0, 100, 100], "type": "person", "confidence": 0.9, "description": "kept"},
					{"box_2d": [0, 0, 100, 100], "type": "unicorn", "confidence": 0.9, "description": "dropped type"}]},
				{"image_index": 7, "detections": [
					{"box_2d": [0, 0, 100, 100], "type": "person", "confidence": 0.9, "description": "dropped index"}]}
			]`, nil
		},
	}

	d := New(gw, testProfile(t), testPolicy(), 2)
	got := d.Detect(context.Background(), frames(2))

	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2", len(got))
	}
	if len(got[0].Detections) != 1 || got[0].Detections[0].Description != "kept" {
		t.Errorf("frame 0 detections = %v, want only the valid person detection", got[0].Detections)
	}
	if len(got[1].Detections) != 0 {
		t.Errorf("frame 1 should be empty, got %v", got[1].Detections)
	}
}

func TestDetectNoFrames(t *testing.T) {
	gw := &scriptedGateway{
		respond: func(int, [][]byte) (string, error) {
			return "", errors.New("must not be called")
		},
	}
	d := New(gw, testProfile(t), testPolicy(), 2)
	got := d.Detect(context.Background(), nil)
	if len(got) != 0 {
		t.Fatalf("got %d groups for no frames", len(got))
	}
	if gw.calls != 0 {
		t.Errorf("gateway called %d times for no frames", gw.calls)
	}
}
