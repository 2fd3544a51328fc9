package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTask_GroundTruthAt(t *testing.T) {
	task := &Task{
		GroundTruth: []map[string]any{
			{"assay": "RNA-seq"},
			{"assay": "WGS"},
		},
	}

	assert.True(t, task.HasGroundTruth())
	assert.Equal(t, "RNA-seq", task.GroundTruthAt(0)["assay"])
	assert.Equal(t, "WGS", task.GroundTruthAt(1)["assay"])
	assert.Nil(t, task.GroundTruthAt(2))
	assert.Nil(t, task.GroundTruthAt(-1))
}

func TestTask_NoGroundTruth(t *testing.T) {
	task := &Task{}
	assert.False(t, task.HasGroundTruth())
	assert.Nil(t, task.GroundTruthAt(0))
}

func TestUsage_Add(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	u.Add(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, Estimated: true})

	assert.Equal(t, 11, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 18, u.TotalTokens)
	assert.True(t, u.Estimated)
}
