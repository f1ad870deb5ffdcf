package models

import "time"

// Tunable is one row of the system_tunables key-value table. Watermarks,
// counters and runtime connection settings all live here so operators can
// inspect and edit them without a restart.
type Tunable struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Well-known tunable names.
const (
	TunableLastSyncPush              = "Last Sync Push"
	TunableLastSyncPull              = "Last Sync Pull"
	TunableLastSyncPushWorker        = "Last Sync Push Worker"
	TunableLastSyncPullWorker        = "Last Sync Pull Worker"
	TunableLastSyncPushWorkerCount   = "Last Sync Push Worker Count"
	TunableLastSyncPullWorkerCount   = "Last Sync Pull Worker Count"
	TunableLastSyncPushConflicts     = "Last Sync Push Worker Conflicts"
	TunableLastSyncPullConflicts     = "Last Sync Pull Worker Conflicts"
	TunableLastSyncPushError         = "Last Sync Push Worker Error"
	TunableLastSyncPullError         = "Last Sync Pull Worker Error"
	TunableLastCloudContact          = "Last Cloud Contact"
	TunableCloudBaseURL              = "Cloud Base URL"
	TunableCloudSiteID               = "Cloud Site ID"
	TunableCloudAPIKey               = "Cloud API Key"
	TunableEnableCloudSync           = "Enable Cloud Sync"
)
