// Package models defines conversation type definitions to avoid circular imports.
package models

// Stage is a named position in the conversation state machine.
type Stage string

// Stage constants. The set is closed; anything else is a defect.
const (
	StageValidate         Stage = "VALIDATE"
	StageInitialize       Stage = "INITIALIZE"
	StageGreet            Stage = "GREET"
	StageAwaitHuman       Stage = "AWAIT_HUMAN"
	StageCollectName      Stage = "COLLECT_NAME"
	StageAnalyzeSentiment Stage = "ANALYZE_SENTIMENT"
	StageRouteIntent      Stage = "ROUTE_INTENT"
	StageAddItem          Stage = "ADD_ITEM"
	StageViewItems        Stage = "VIEW_ITEMS"
	StageAnswerQuestion   Stage = "ANSWER_QUESTION"
	StageReschedule       Stage = "RESCHEDULE"
	StageConfirmEnd       Stage = "CONFIRM_END"
	StageTerminated       Stage = "TERMINATED"
)

// AllStages lists every stage in pipeline order.
var AllStages = []Stage{
	StageValidate,
	StageInitialize,
	StageGreet,
	StageAwaitHuman,
	StageCollectName,
	StageAnalyzeSentiment,
	StageRouteIntent,
	StageAddItem,
	StageViewItems,
	StageAnswerQuestion,
	StageReschedule,
	StageConfirmEnd,
	StageTerminated,
}

// IsValidStage checks if the given stage is part of the state machine.
func IsValidStage(s Stage) bool {
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

// Role tags the author of a transcript entry.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAgent  Role = "agent"
)

// Sentiment is the last classified disposition of the human toward a proposed action.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentUnclear  Sentiment = "unclear"
	SentimentUnknown  Sentiment = "unknown"
)

// Pending records what kind of answer the agent's last question expects.
type Pending string

const (
	PendingNone             Pending = "none"
	PendingScheduleProposal Pending = "schedule_proposal"
	PendingPreferredTime    Pending = "preferred_time"
)

// OutcomeScheduled marks a conversation whose scheduling proposal was accepted.
const OutcomeScheduled = "scheduled"
