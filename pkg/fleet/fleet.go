// Package fleet lists, starts and stops the compute instances that run
// worker loops. Start and Stop are capacity hints: providers apply them
// eventually, and stopping an instance never cancels its queue leases.
package fleet

import (
	"context"
	"sort"

	"github.com/psantana5/recogpool/pkg/models"
)

// Manager is an instance provider
type Manager interface {
	// List returns instance ids in the given state, sorted
	List(ctx context.Context, state models.InstanceState) ([]string, error)
	Start(ctx context.Context, ids []string) error
	Stop(ctx context.Context, ids []string) error
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}
