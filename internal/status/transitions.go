// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package status

import (
	"fmt"

	"github.com/tomtom215/fieldsync/internal/models"
)

// InitialStatus is the state of a case the device has not seen change.
const InitialStatus = models.StatusAssigned

// legal lists the allowed targets per state. Completed is terminal.
var legal = map[models.CaseStatus][]models.CaseStatus{
	models.StatusAssigned:   {models.StatusInProgress},
	models.StatusInProgress: {models.StatusCompleted, models.StatusAssigned},
	models.StatusCompleted:  nil,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Staying in the same state is not a transition.
func CanTransition(from, to models.CaseStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the legal targets from the given state.
func AllowedFrom(from models.CaseStatus) []models.CaseStatus {
	return append([]models.CaseStatus(nil), legal[from]...)
}

func invalidTransition(caseID string, from, to models.CaseStatus) error {
	return models.NewSyncError(models.ErrKindInvalidTransition, 0,
		fmt.Sprintf("case %s: %s -> %s is not allowed", caseID, from, to), nil)
}
