// Package priority classifies action types into delivery priority buckets.
package priority

import (
	"time"

	"github.com/kelmah/offlinesync/internal/models"
)

// Priority levels. Lower is more urgent.
const (
	Critical   = 1
	Important  = 2
	Deferrable = 3
)

// Class is the delivery classification frozen onto an action at enqueue.
type Class struct {
	Priority int
	Critical bool
	Timeout  time.Duration
}

var table = map[models.ActionType]Class{
	// immediate business needs
	models.ActionJobApplication:    {Critical, true, 30 * time.Second},
	models.ActionEmergencyRequest:  {Critical, true, 15 * time.Second},
	models.ActionPayment:           {Critical, true, 45 * time.Second},
	models.ActionContractSignature: {Critical, true, 30 * time.Second},

	// important but can wait
	models.ActionMessageSend:     {Important, false, 20 * time.Second},
	models.ActionProfileUpdate:   {Important, false, 25 * time.Second},
	models.ActionReviewSubmit:    {Important, false, 20 * time.Second},
	models.ActionMilestoneUpdate: {Important, false, 25 * time.Second},

	// can be delayed
	models.ActionSearchSave:       {Deferrable, false, 15 * time.Second},
	models.ActionBookmark:         {Deferrable, false, 10 * time.Second},
	models.ActionNotificationRead: {Deferrable, false, 10 * time.Second},
	models.ActionAnalyticsTrack:   {Deferrable, false, 5 * time.Second},
}

// Fallback is the bucket for unrecognised action types.
var Fallback = table[models.ActionAnalyticsTrack]

// Classify returns the classification for t. It has no side effects.
func Classify(t models.ActionType) Class {
	if c, ok := table[t]; ok {
		return c
	}
	return Fallback
}
