package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/robokit/robokit/internal/cache/cachetest"
	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/store/storetest"
	"github.com/robokit/robokit/internal/worker"
	"github.com/robokit/robokit/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_LeRobot(t *testing.T) {
	st := storetest.NewMemory()
	ds := hfDataset(st, models.FormatLeRobot)
	h := newFakeHub(t)

	info := lerobotInfoDoc(3, "top")
	// A camera described only by its shape.
	info["features"].(map[string]any)[cameraPrefix+"wrist"] = map[string]any{
		"dtype": "video",
		"shape": []int{240, 320, 3},
		"info":  map[string]any{"video.width": 320, "video.height": 240, "video.codec": "h264"},
	}
	h.putJSON(t, infoPath, info)
	h.put(episodesPath, []byte("{\"episode_index\":0}\n{\"episode_index\":1}\n\n{\"episode_index\":2}\n"))

	handler := &MetadataHandler{datasets: st, hub: h}
	res, err := handler.Run(context.Background(), newRequest(ds, nil))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"sensor_count": 2, "camera_count": 2, "episode_count": 3}, res.Summary)

	meta := res.Full["metadata"].(map[string]any)
	assert.Equal(t, "lerobot/pusht", meta["repo_id"])
	assert.Equal(t, "main", meta["revision"])
	assert.Equal(t, 3, meta["episodes"])

	cams := meta["sensors"].(map[string]any)["cameras"].([]any)
	require.Len(t, cams, 2)
	top := cams[0].(map[string]any)
	assert.Equal(t, "top", top["name"])
	assert.Equal(t, 640, top["width"])
	assert.Equal(t, 480, top["height"])
	assert.Equal(t, "av1", top["format"])
	wrist := cams[1].(map[string]any)
	assert.Equal(t, "wrist", wrist["name"])
	assert.EqualValues(t, 320, wrist["width"])
	assert.Equal(t, "h264", wrist["format"])

	raw := res.Full["raw_meta"].(map[string]any)
	assert.Contains(t, raw, infoPath)

	// The extracted metadata is stored on the dataset.
	got, err := st.GetDataset(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got.Metadata)
}

func TestMetadata_LeRobotMissingFiles(t *testing.T) {
	st := storetest.NewMemory()
	ds := hfDataset(st, models.FormatLeRobot)
	h := newFakeHub(t)
	handler := &MetadataHandler{datasets: st, hub: h}

	_, err := handler.Run(context.Background(), newRequest(ds, nil))
	require.Error(t, err)
	assert.Equal(t, "missing or invalid meta/info.json", err.Error())

	h.put(infoPath, []byte("{not json"))
	_, err = handler.Run(context.Background(), newRequest(ds, nil))
	require.Error(t, err)
	assert.Equal(t, "missing or invalid meta/info.json", err.Error())

	h.putJSON(t, infoPath, lerobotInfoDoc(1))
	_, err = handler.Run(context.Background(), newRequest(ds, nil))
	require.Error(t, err)
	assert.Equal(t, "missing meta/episodes.jsonl", err.Error())
}

func TestMetadata_HubFailurePassesThrough(t *testing.T) {
	st := storetest.NewMemory()
	ds := hfDataset(st, models.FormatLeRobot)
	h := newFakeHub(t)
	h.errs[infoPath] = errors.New("hub: rate limited: meta/info.json (repo lerobot/pusht@main)")

	_, err := (&MetadataHandler{datasets: st, hub: h}).Run(context.Background(), newRequest(ds, nil))
	require.Error(t, err)
	assert.Equal(t, "hub: rate limited: meta/info.json (repo lerobot/pusht@main)", err.Error())
}

func TestMetadata_RLDSFeaturesJSON(t *testing.T) {
	st := storetest.NewMemory()
	ds := hfDataset(st, models.FormatRLDS)
	h := newFakeHub(t)
	h.putJSON(t, "features.json", map[string]any{
		"features": map[string]any{
			"steps/observation/image":       map[string]any{},
			"steps/observation/wrist_rgb":   map[string]any{},
			"steps/observation/joint_state": map[string]any{},
		},
	})

	res, err := (&MetadataHandler{datasets: st, hub: h}).Run(context.Background(), newRequest(ds, nil))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Summary["camera_count"])
	assert.Nil(t, res.Summary["episode_count"])
	meta := res.Full["metadata"].(map[string]any)
	assert.Len(t, meta["features"], 3)
	cams := meta["sensors"].(map[string]any)["cameras"].([]any)
	assert.Equal(t, "image", cams[0].(map[string]any)["name"])
	assert.Equal(t, "wrist_rgb", cams[1].(map[string]any)["name"])

	raw := res.Full["raw_meta"].(map[string]any)
	assert.NotNil(t, raw["features.json"])
	assert.Nil(t, raw["dataset_info.json"])
}

func TestMetadata_RLDSFindsNestedDescriptor(t *testing.T) {
	st := storetest.NewMemory()
	ds := hfDataset(st, models.FormatRLDS)
	h := newFakeHub(t)
	h.putJSON(t, "1.0.0/dataset_infos.json", map[string]any{
		"default": map[string]any{"features": map[string]any{"rgb_static": map[string]any{}}},
	})

	res, err := (&MetadataHandler{datasets: st, hub: h}).Run(context.Background(), newRequest(ds, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary["camera_count"])
	assert.NotNil(t, res.Full["raw_meta"].(map[string]any)["dataset_infos.json"])
}

func TestMetadata_RLDSWithoutDescriptors(t *testing.T) {
	st := storetest.NewMemory()
	ds := hfDataset(st, models.FormatRLDS)
	h := newFakeHub(t)
	h.put("README.md", []byte("# dataset"))

	res, err := (&MetadataHandler{datasets: st, hub: h}).Run(context.Background(), newRequest(ds, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Summary["camera_count"])
	assert.Equal(t, []string{}, res.Full["metadata"].(map[string]any)["features"])
}

func TestMetadata_UnsupportedCombinations(t *testing.T) {
	st := storetest.NewMemory()
	h := newFakeHub(t)
	handler := &MetadataHandler{datasets: st, hub: h}

	httpDS := st.AddDataset(&models.Dataset{
		Source:     models.DatasetSource{Type: models.SourceTypeHTTP, URL: "https://example.com/data.bag"},
		FormatType: models.FormatRosbag,
	})
	_, err := handler.Run(context.Background(), newRequest(httpDS, nil))
	require.Error(t, err)
	assert.Equal(t,
		"unsupported dataset source type for metadata extraction: http; dataset_id="+httpDS.ID.String()+
			", dataset_type=rosbag, source_type=http",
		err.Error())

	hdf := hfDataset(st, models.FormatHDF5)
	_, err = handler.Run(context.Background(), newRequest(hdf, nil))
	require.Error(t, err)
	assert.Equal(t,
		"metadata extraction for huggingface supports dataset_type in {lerobot,rlds}; dataset_id="+hdf.ID.String()+
			", dataset_type=hdf5, source_type=huggingface",
		err.Error())
	assert.Empty(t, h.downloads)
}

// syncScheduler runs tasks inline.
type syncScheduler struct{}

func (syncScheduler) Submit(task worker.Task) error {
	return task(context.Background())
}

func TestMetadata_UnsupportedSourceRecordedAsLatest(t *testing.T) {
	st := storetest.NewMemory()
	reg := jobs.NewRegistry()
	Register(reg, Deps{Datasets: st, Hub: newFakeHub(t)})
	engine := jobs.NewEngine(st, cachetest.NewMemory(), reg, syncScheduler{})

	ds := st.AddDataset(&models.Dataset{
		Source:     models.DatasetSource{Type: models.SourceTypeHTTP, URL: "https://example.com/raw"},
		FormatType: models.FormatCustom,
	})

	_, err := engine.Submit(context.Background(), ds.ID, models.AnalysisMetadataExtraction, nil)
	require.NoError(t, err)

	latest, err := engine.Latest(context.Background(), ds.ID, models.AnalysisMetadataExtraction)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, latest.Status)
	require.NotNil(t, latest.ErrorMessage)
	assert.True(t, containsAll(*latest.ErrorMessage, ds.ID.String(), "source_type=http"))
	assert.Nil(t, latest.Result)
}

func TestPlaceholdersFail(t *testing.T) {
	reg := jobs.NewRegistry()
	Register(reg, Deps{})

	for _, typ := range []string{
		models.AnalysisConversion, models.AnalysisValidation,
		models.AnalysisIndexing, models.AnalysisAttention,
	} {
		h, ok := reg.Lookup(typ)
		require.True(t, ok, typ)
		_, err := h.Run(context.Background(), jobs.Request{})
		require.Error(t, err)
		assert.Equal(t, typ+" analysis is not implemented", err.Error())
	}

	assert.ElementsMatch(t, models.AnalysisTypes, reg.Types())
}

func TestIsMissingMatchesFakeHub(t *testing.T) {
	_, err := newFakeHub(t).Download(context.Background(), "a/b", "main", "x")
	assert.True(t, hub.IsMissing(err))
}
