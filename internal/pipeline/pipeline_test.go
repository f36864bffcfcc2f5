package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/internal/sspro"
	"github.com/koios/adb-invocation-server/pkg/models"
)

type uploadCall struct {
	dir, bucket, prefix string
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   []uploadCall
	failDir string
}

func (f *fakeUploader) Upload(_ context.Context, dir, bucket, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadCall{dir, bucket, prefix})
	if dir == f.failDir {
		return 0, errors.New("permission denied")
	}
	return 1, nil
}

func TestService_Run_EndToEnd(t *testing.T) {
	archive := buildZip(t,
		zipEntry{name: "render/"},
		zipEntry{name: "render/1.png", body: "rendered"},
	)
	zipServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer zipServer.Close()

	var (
		renderCalls atomic.Int32
		received    sspro.CreateRequest
	)
	renderServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renderCalls.Add(1)
		assert.Equal(t, "/templates/t1", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]string{"id": "r1", "download_url": zipServer.URL + "/r1.zip"})
	}))
	defer renderServer.Close()

	root := t.TempDir()
	fetcher := NewFetcher(zipServer.Client(), OutputConfig{
		AndroidBasePath: filepath.Join(root, "fastlane", "{locale}"),
		IOSBasePath:     filepath.Join(root, "ios"),
		FilePattern:     "{device}-{sequence}-{name}.png",
	}, zap.NewNop())
	client := sspro.NewClient(renderServer.Client(), renderServer.URL+"/templates/{template_id}", "key", zap.NewNop())
	counter := NewJobCounter()
	submitter := NewSubmitter(counter, client, fetcher, testBucket, zap.NewNop())
	uploader := &fakeUploader{}
	service := NewService(uploader, submitter, testBucket, filepath.Join(root, "captures", "{platform}", "{locale}", "{device}"), zap.NewNop())

	report := service.Run(context.Background(), "run-1", []models.TemplateUpdate{{
		ID:       "t1",
		Platform: models.PlatformAndroid,
		Sequence: 1,
		Device:   "pixel",
		Locale:   "en-US",
		Screens:  []models.ScreenMeta{{Number: 1, Heading: "Welcome", Images: []string{"1.png"}}},
	}})

	require.False(t, report.Failed(), "%v", report.Err())
	require.Len(t, uploader.calls, 1)
	assert.Equal(t, uploadCall{
		dir:    filepath.Join(root, "captures", "android", "en-US", "pixel"),
		bucket: "shots",
		prefix: "captures/android/en-US/pixel",
	}, uploader.calls[0])

	assert.Equal(t, int32(1), renderCalls.Load())
	require.Len(t, received.Modifications, 2)
	assert.Equal(t, models.AttributeText, received.Modifications[0].Attribute)
	assert.Equal(t, models.AttributeScreenshot, received.Modifications[1].Attribute)

	out := filepath.Join(root, "fastlane", "en-US", "pixel-1-1.png")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(data))
	assert.NoFileExists(t, filepath.Join(root, "fastlane", "en-US", "1.zip"))
	assert.NoDirExists(t, filepath.Join(root, "fastlane", "en-US", "render"))

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, StateDone, report.Outcomes[0].State)
	assert.Equal(t, int64(0), counter.Active())
}

func TestService_Run_UploadsEachGroupOnce(t *testing.T) {
	var renders atomic.Int32
	renderer := renderFunc(func(context.Context, models.TemplateUpdate, []models.Modification) (*sspro.CreateResponse, error) {
		renders.Add(1)
		return &sspro.CreateResponse{}, nil
	})
	submitter := NewSubmitter(NewJobCounter(), renderer, &fakeArchiver{}, testBucket, zap.NewNop())
	uploader := &fakeUploader{}
	service := NewService(uploader, submitter, testBucket, "/captures/{platform}/{locale}/{device}", zap.NewNop())

	input := templates(3)
	input[2].Locale = "fr-FR"

	report := service.Run(context.Background(), "run", input)
	assert.False(t, report.Failed())
	assert.Len(t, uploader.calls, 2)
	assert.Equal(t, int32(3), renders.Load())
	assert.Len(t, report.Batches, 2)
}

func TestService_Run_UploadFailureSkipsGroup(t *testing.T) {
	var submitted []string
	var mu sync.Mutex
	renderer := renderFunc(func(_ context.Context, tmpl models.TemplateUpdate, _ []models.Modification) (*sspro.CreateResponse, error) {
		mu.Lock()
		submitted = append(submitted, tmpl.ID)
		mu.Unlock()
		return &sspro.CreateResponse{}, nil
	})
	observer := &recordingObserver{}
	submitter := NewSubmitter(NewJobCounter(), renderer, &fakeArchiver{}, testBucket, zap.NewNop(), WithObserver(observer))
	uploader := &fakeUploader{failDir: "/captures/android/fr-FR/pixel"}
	service := NewService(uploader, submitter, testBucket, "/captures/{platform}/{locale}/{device}", zap.NewNop())

	input := templates(2)
	input[1].Locale = "fr-FR"

	report := service.Run(context.Background(), "run", input)
	require.True(t, report.Failed())
	assert.ErrorContains(t, report.Err(), "permission denied")
	assert.Equal(t, []string{"t1"}, submitted)

	assert.Equal(t, StateDone, report.Outcomes[0].State)
	assert.Equal(t, StateFailed, report.Outcomes[1].State)
	assert.Equal(t, []State{StateUploading, StateFailed}, observer.states("t2"))
	assert.Equal(t, []State{StateUploading, StateSubmitted, StateDone}, observer.states("t1"))
}

func TestService_Run_UnsafeGroupNeverUploads(t *testing.T) {
	var renders atomic.Int32
	renderer := renderFunc(func(context.Context, models.TemplateUpdate, []models.Modification) (*sspro.CreateResponse, error) {
		renders.Add(1)
		return &sspro.CreateResponse{}, nil
	})
	submitter := NewSubmitter(NewJobCounter(), renderer, &fakeArchiver{}, testBucket, zap.NewNop())
	uploader := &fakeUploader{}
	service := NewService(uploader, submitter, testBucket, "/captures/{platform}/{locale}/{device}", zap.NewNop())

	input := templates(1)
	input[0].Locale = "../../etc"

	report := service.Run(context.Background(), "run", input)
	require.True(t, report.Failed())
	assert.ErrorIs(t, report.Err(), naming.ErrUnsafePath)
	assert.Empty(t, uploader.calls)
	assert.Zero(t, renders.Load())
	assert.Equal(t, StateFailed, report.Outcomes[0].State)
}

func TestReport_Failed(t *testing.T) {
	assert.False(t, (&Report{}).Failed())
	assert.True(t, (&Report{UploadErr: errors.New("x")}).Failed())
	assert.True(t, (&Report{Outcomes: []Outcome{{State: StateDone}, {State: StateFailed}}}).Failed())
}
