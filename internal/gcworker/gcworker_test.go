package gcworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
)

func TestSelectOrphans_SkipsReferencedBlobs(t *testing.T) {
	cutoff := time.Now().Add(-time.Hour)
	objects := []blob.Object{
		{ContentID: "a", LastModified: cutoff.Add(-time.Minute)},
		{ContentID: "b", LastModified: cutoff.Add(-time.Minute)},
	}
	referenced := map[string]struct{}{"a": {}}

	orphans := selectOrphans(objects, referenced, cutoff)
	assert.Len(t, orphans, 1)
	assert.Equal(t, blob.ContentID("b"), orphans[0].ContentID)
}

func TestSelectOrphans_SkipsBlobsYoungerThanGracePeriod(t *testing.T) {
	cutoff := time.Now().Add(-time.Hour)
	objects := []blob.Object{
		{ContentID: "a", LastModified: time.Now()},
	}

	orphans := selectOrphans(objects, map[string]struct{}{}, cutoff)
	assert.Empty(t, orphans)
}

func TestSelectOrphans_ReturnsReclaimableSize(t *testing.T) {
	cutoff := time.Now().Add(-time.Hour)
	objects := []blob.Object{
		{ContentID: "a", LastModified: cutoff.Add(-time.Minute), Size: 1024},
	}

	orphans := selectOrphans(objects, map[string]struct{}{}, cutoff)
	assert.Equal(t, int64(1024), orphans[0].Size)
}

func TestSelectOrphans_EmptyInputReturnsNil(t *testing.T) {
	assert.Nil(t, selectOrphans(nil, nil, time.Now()))
}
