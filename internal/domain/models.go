// Package domain defines the persistence models for accounts, automation
// tasks, and task executions. Accounts and tasks are owned by an external
// CRUD layer; this service reads them and only writes back credentials and
// task counters.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Account statuses.
const (
	AccountActive   = "active"
	AccountInactive = "inactive"
)

// Platforms known to the destination registry.
const (
	PlatformTelegram  = "telegram"
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformTwitter   = "twitter"
	PlatformThreads   = "threads"
	PlatformLinkedIn  = "linkedin"
	PlatformYouTube   = "youtube"
	PlatformTikTok    = "tiktok"
	PlatformWebhook   = "webhook"
)

// Task statuses. Only active tasks are dispatched.
const (
	TaskActive   = "active"
	TaskPaused   = "paused"
	TaskDisabled = "disabled"
)

// Execution statuses. pending is the only non-terminal status.
const (
	ExecPending = "pending"
	ExecSuccess = "success"
	ExecFailed  = "failed"
)

// Account is a connected account on some platform. It can be the source of a
// task (a bot receiving webhook updates) or a destination.
//
// Fields:
//   - Platform: one of the Platform* constants.
//   - ExternalID: destination chat, page, or channel identifier on the platform.
//   - AccessToken / RefreshToken / TokenExpiresAt: credentials; never serialized.
//   - Provider: shared third-party publishing provider routing this account, if any.
//   - ApplyToAllAccounts: provider-level action fans out to every profile of the platform.
//   - WebhookSecret: expected X-Telegram-Bot-Api-Secret-Token for inbound webhooks.
type Account struct {
	ID                 string     `json:"id"          gorm:"type:varchar(64);primaryKey"`
	Platform           string     `json:"platform"    gorm:"type:varchar(32);not null;index"`
	Name               string     `json:"name"        gorm:"type:varchar(255)"`
	Status             string     `json:"status"      gorm:"type:varchar(16);not null;default:'active';index"`
	ExternalID         string     `json:"external_id" gorm:"type:varchar(128)"`
	AccessToken        string     `json:"-"           gorm:"type:text"`
	RefreshToken       string     `json:"-"           gorm:"type:text"`
	TokenExpiresAt     *time.Time `json:"token_expires_at,omitempty"`
	Provider           string     `json:"provider,omitempty" gorm:"type:varchar(32)"`
	ApplyToAllAccounts bool       `json:"apply_to_all_accounts" gorm:"not null;default:false"`
	WebhookSecret      string     `json:"-"           gorm:"type:varchar(256)"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// IsActive reports whether the account may be used as a destination.
func (a Account) IsActive() bool { return a.Status == AccountActive }

// TaskFilters decides whether a logical message is eligible for a task.
type TaskFilters struct {
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	RequireMedia    bool     `json:"require_media,omitempty"`
}

// TaskTransform rewrites the message text before publishing.
type TaskTransform struct {
	Prepend  string   `json:"prepend,omitempty"`
	Append   string   `json:"append,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
}

// DestinationFlags are per-target action flags on a task. A nil
// TextOnlyFallback inherits the service-wide default.
type DestinationFlags struct {
	TextOnlyFallback *bool `json:"text_only_fallback,omitempty"`
	Disabled         bool  `json:"disabled,omitempty"`
}

// AutomationTask is one route: content arriving on any source account is
// republished to every target account.
type AutomationTask struct {
	ID                  string                                          `json:"id"     gorm:"type:varchar(64);primaryKey"`
	Name                string                                          `json:"name"   gorm:"type:varchar(255)"`
	Status              string                                          `json:"status" gorm:"type:varchar(16);not null;default:'active';index"`
	SourceAccounts      datatypes.JSONSlice[string]                     `json:"source_accounts"`
	TargetAccounts      datatypes.JSONSlice[string]                     `json:"target_accounts"`
	Filters             datatypes.JSONType[TaskFilters]                 `json:"filters"`
	Transform           datatypes.JSONType[TaskTransform]               `json:"transform"`
	DestinationFlags    datatypes.JSONType[map[string]DestinationFlags] `json:"destination_flags"`
	PublishDelaySeconds int                                             `json:"publish_delay_seconds" gorm:"not null;default:0"`
	ExecutionCount      int64                                           `json:"execution_count"       gorm:"not null;default:0"`
	FailureCount        int64                                           `json:"failure_count"         gorm:"not null;default:0"`
	LastError           string                                          `json:"last_error,omitempty"  gorm:"type:text"`
	LastRunAt           *time.Time                                      `json:"last_run_at,omitempty"`
	CreatedAt           time.Time                                       `json:"created_at"`
	UpdatedAt           time.Time                                       `json:"updated_at"`
}

// TableName returns the database table name for AutomationTask.
func (AutomationTask) TableName() string { return "automation_tasks" }

// HasSource reports whether accountID is one of the task's sources.
func (t AutomationTask) HasSource(accountID string) bool {
	for _, id := range t.SourceAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}

// FlagsFor returns the destination flags configured for a target account.
func (t AutomationTask) FlagsFor(targetID string) DestinationFlags {
	if m := t.DestinationFlags.Data(); m != nil {
		return m[targetID]
	}
	return DestinationFlags{}
}

// ExecutionProgress is the structured progress document of a TaskExecution.
type ExecutionProgress struct {
	Progress          int    `json:"progress"`
	Stage             string `json:"stage"`
	PostID            string `json:"postId,omitempty"`
	URL               string `json:"url,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
	DroppedMediaCount int    `json:"droppedMediaCount,omitempty"`
	FallbackReason    string `json:"fallbackReason,omitempty"`
}

// TaskExecution is one (task, source, target) attempt. It is created pending
// before any network call and finalized exactly once; once the status leaves
// pending it never returns.
type TaskExecution struct {
	ID                 string                                `json:"id"        gorm:"type:char(36);primaryKey"`
	TaskID             string                                `json:"task_id"   gorm:"type:varchar(64);not null;index:idx_exec_task,priority:1"`
	SourceAccountID    string                                `json:"source_account_id" gorm:"type:varchar(64);not null"`
	TargetAccountID    string                                `json:"target_account_id" gorm:"type:varchar(64);not null;index"`
	OriginalContent    string                                `json:"original_content"    gorm:"type:text"`
	TransformedContent string                                `json:"transformed_content" gorm:"type:text"`
	Status             string                                `json:"status"    gorm:"type:varchar(16);not null;index;check:status IN ('pending','success','failed')"`
	Error              string                                `json:"error,omitempty" gorm:"type:text"`
	Progress           datatypes.JSONType[ExecutionProgress] `json:"progress"`
	ExecutedAt         *time.Time                            `json:"executed_at,omitempty"`
	CreatedAt          time.Time                             `json:"created_at" gorm:"index:idx_exec_task,priority:2"`
	UpdatedAt          time.Time                             `json:"updated_at"`
}

// TableName returns the database table name for TaskExecution.
func (TaskExecution) TableName() string { return "task_executions" }
