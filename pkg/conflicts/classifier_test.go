package conflicts

import (
	"fmt"
	"testing"

	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKinds = []models.ConflictKind{
	models.ConflictContent,
	models.ConflictRename,
	models.ConflictNameAndContent,
	models.ConflictDelete,
	models.ConflictDeleteTarget,
	models.ConflictMerge,
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		conflict models.Conflict
		want     Classification
	}{
		{"content", models.Conflict{Kind: models.ConflictContent}, ClassContentOnly},
		{"rename", models.Conflict{Kind: models.ConflictRename}, ClassNameOnly},
		{"name and content", models.Conflict{Kind: models.ConflictNameAndContent}, ClassNameAndContent},
		{"delete", models.Conflict{Kind: models.ConflictDelete}, ClassDelete},
		{"delete target", models.Conflict{Kind: models.ConflictDeleteTarget}, ClassDelete},
		{"merge edit", mergeConflict(models.ChangeEdit), ClassContentOnly},
		{"merge rename", mergeConflict(models.ChangeRename), ClassNameOnly},
		{"merge rename and edit", mergeConflict(models.ChangeRename | models.ChangeEdit), ClassNameAndContent},
		{"merge undelete wins", mergeConflict(models.ChangeUndelete | models.ChangeEdit), ClassDelete},
		{"merge branch only", mergeConflict(models.ChangeBranch), ClassUnclassifiable},
		{"merge without mapping", models.Conflict{Kind: models.ConflictMerge}, ClassUnclassifiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.conflict))
		})
	}
}

func mergeConflict(changes models.ChangeType) models.Conflict {
	return models.Conflict{
		LocalPath: "/ws/a.txt",
		Kind:      models.ConflictMerge,
		Mapping: &models.MergeMapping{
			FromServerItem: "$/main/a.txt",
			ToServerItem:   "$/dev/a.txt",
			ChangeTypes:    changes,
			FromVersion: models.VersionRange{
				Start: models.VersionSpec{Type: models.VersionChangeset, Value: "3"},
				End:   models.VersionSpec{Type: models.VersionChangeset, Value: "7"},
			},
		},
	}
}

// Every kind and every mapping mask lands in exactly one classification that agrees with the
// predicates.
func TestClassifyIsComplete(t *testing.T) {
	flags := []models.ChangeType{models.ChangeRename, models.ChangeEdit, models.ChangeDelete, models.ChangeUndelete, models.ChangeBranch}

	var masks []models.ChangeType
	for bits := 0; bits < 1<<len(flags); bits++ {
		var mask models.ChangeType
		for i, flag := range flags {
			if bits&(1<<i) != 0 {
				mask |= flag
			}
		}
		masks = append(masks, mask)
	}

	for _, kind := range allKinds {
		for _, mask := range masks {
			c := models.Conflict{Kind: kind, Mapping: &models.MergeMapping{ChangeTypes: mask}}
			t.Run(fmt.Sprintf("%s/%s", kind, mask), func(t *testing.T) {
				name, content, del := IsNameConflict(c), IsContentConflict(c), IsDeleteConflict(c)

				var want Classification
				switch {
				case del:
					want = ClassDelete
				case name && content:
					want = ClassNameAndContent
				case name:
					want = ClassNameOnly
				case content:
					want = ClassContentOnly
				default:
					want = ClassUnclassifiable
				}
				require.Equal(t, want, Classify(c))

				if kind != models.ConflictMerge {
					assert.NotEqual(t, ClassUnclassifiable, Classify(c), "only merge conflicts can be unclassifiable")
				}
			})
		}
	}
}

func TestPredicatesIgnoreMappingOutsideMerges(t *testing.T) {
	c := models.Conflict{
		Kind:    models.ConflictContent,
		Mapping: &models.MergeMapping{ChangeTypes: models.ChangeRename | models.ChangeDelete},
	}
	assert.False(t, IsNameConflict(c))
	assert.False(t, IsDeleteConflict(c))
	assert.True(t, IsContentConflict(c))
	assert.False(t, IsMergeConflict(c))
}

func TestMergeFromVersion(t *testing.T) {
	t.Run("changeset", func(t *testing.T) {
		v, err := MergeFromVersion(mergeConflict(models.ChangeEdit))
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("other version types are rejected", func(t *testing.T) {
		c := mergeConflict(models.ChangeEdit)
		c.Mapping.FromVersion.End = models.VersionSpec{Type: models.VersionLabel, Value: "release"}
		_, err := MergeFromVersion(c)
		assert.ErrorContains(t, err, "unsupported merge version type")
	})

	t.Run("invalid changeset", func(t *testing.T) {
		c := mergeConflict(models.ChangeEdit)
		c.Mapping.FromVersion.End.Value = "seven"
		_, err := MergeFromVersion(c)
		assert.Error(t, err)
	})

	t.Run("not a merge", func(t *testing.T) {
		_, err := MergeFromVersion(models.Conflict{Kind: models.ConflictContent})
		assert.Error(t, err)
	})
}
