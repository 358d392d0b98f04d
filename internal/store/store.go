package store

import (
	"context"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Store defines the persistence layer for master builds.
//
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	// Master builds
	CreateMasterBuild(ctx context.Context, mb *model.MasterBuild) error
	GetMasterBuild(ctx context.Context, id string) (*model.MasterBuild, error)
	GetMasterBuildByNumber(ctx context.Context, project string, number int) (*model.MasterBuild, error)
	ListMasterBuilds(ctx context.Context, opts model.ListOptions) ([]*model.MasterBuild, int, error)
	UpdateMasterBuild(ctx context.Context, mb *model.MasterBuild) error

	// Attempt history
	RecordAttempt(ctx context.Context, masterBuildID, project string, number int) error
	ListAttempts(ctx context.Context, masterBuildID string) ([]model.SubProjectRecord, error)

	// Permalinks
	SetPermalink(ctx context.Context, p *model.Permalink) error
	ListPermalinks(ctx context.Context, project string) ([]*model.Permalink, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
