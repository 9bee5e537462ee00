package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJob_Flags(t *testing.T) {
	tests := []struct {
		name      string
		extension string
		expected  ExtensionFlags
	}{
		{
			name:      "empty extension",
			extension: "",
			expected:  ExtensionFlags{},
		},
		{
			name:      "all toggles on",
			extension: `{"quickMode":true,"steadyOrder":true,"autoPick":true,"emailReminder":true}`,
			expected:  ExtensionFlags{QuickMode: true, SteadyOrder: true, AutoPick: true, EmailReminder: true},
		},
		{
			name:      "unknown fields are ignored",
			extension: `{"quickMode":true,"theme":"dark"}`,
			expected:  ExtensionFlags{QuickMode: true},
		},
		{
			name:      "malformed blob yields zero flags",
			extension: `{"quickMode":tr`,
			expected:  ExtensionFlags{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Extension: tt.extension}
			assert.Equal(t, tt.expected, job.Flags())
		})
	}
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "timed", StrategyTimed.String())
	assert.Equal(t, "manual", StrategyManual.String())
	assert.Equal(t, "pick", StrategyPick.String())
	assert.Equal(t, "unknown", Strategy(9).String())
}

func TestResultFromJob(t *testing.T) {
	job := &Job{
		ID:              5,
		DeviceID:        3,
		BuyerID:         7,
		WorkerTag:       "worker-a",
		Link:            "https://weidian.com/?userid=1",
		Cookies:         "wdtoken=abc",
		Keyword:         "限量",
		StartTime:       time.Now(),
		Quantity:        2,
		Strategy:        StrategyManual,
		OrderParameters: `{"shop_list":[]}`,
		Message:         "note",
		Extension:       `{"autoPick":true}`,
	}

	result := ResultFromJob(job)

	assert.Equal(t, job.ID, result.JobID)
	assert.Equal(t, job.DeviceID, result.DeviceID)
	assert.Equal(t, job.BuyerID, result.BuyerID)
	assert.Equal(t, job.Link, result.Link)
	assert.Equal(t, job.Keyword, result.Keyword)
	assert.Equal(t, job.StartTime, result.StartTime)
	assert.Equal(t, job.Quantity, result.Quantity)
	assert.Equal(t, job.Strategy, result.Strategy)
	assert.Equal(t, job.Message, result.Message)
	assert.Equal(t, job.Extension, result.Extension)

	// Settlement fields are the engine's to fill in.
	assert.True(t, result.EndTime.IsZero())
	assert.Zero(t, result.Status)
	assert.Empty(t, result.ResponseMessage)
}
