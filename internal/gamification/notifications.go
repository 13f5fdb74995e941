package gamification

import (
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/realtime"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
)

type XPTotalChangePayload struct {
	TransactionID string            `json:"transactionId"`
	Kind          scoring.EventKind `json:"kind"`
	DeltaXP       int               `json:"deltaXp"`
	TotalXP       int               `json:"totalXp"`
	Badge         string            `json:"badge"`
}

type TierChangePayload struct {
	PreviousBadge string `json:"previousBadge"`
	Badge         string `json:"badge"`
	TotalXP       int    `json:"totalXp"`
}

type DailyGoalResultPayload struct {
	Day         string           `json:"day"`
	Status      dailygoal.Status `json:"status"`
	SolvedCount int              `json:"solvedCount"`
	Goal        int              `json:"goal"`
	DeltaXP     int              `json:"deltaXp"`
}

func transactionMessages(record ledger.XpTransaction, emittedAt time.Time) []realtime.NotificationMessage {
	messages := []realtime.NotificationMessage{{
		UserID: record.UserID,
		Topic:  realtime.TopicXPTotalChange,
		Payload: XPTotalChangePayload{
			TransactionID: record.TransactionID,
			Kind:          record.Kind,
			DeltaXP:       record.ResultingTotalXP - record.PreviousTotalXP,
			TotalXP:       record.ResultingTotalXP,
			Badge:         record.ResultingBadge,
		},
		Revision:  record.Revision,
		EmittedAt: emittedAt,
	}}
	if record.TierChanged {
		messages = append(messages, realtime.NotificationMessage{
			UserID: record.UserID,
			Topic:  realtime.TopicTierChange,
			Payload: TierChangePayload{
				PreviousBadge: record.PreviousBadge,
				Badge:         record.ResultingBadge,
				TotalXP:       record.ResultingTotalXP,
			},
			Revision:  record.Revision,
			EmittedAt: emittedAt,
		})
	}
	return messages
}

// goalMessage carries the revision of the last transaction the decision
// applied, or zero when it applied none.
func goalMessage(decision dailygoal.Decision, emittedAt time.Time) realtime.NotificationMessage {
	payload := DailyGoalResultPayload{
		Day:         decision.DayKey,
		Status:      decision.Status,
		SolvedCount: decision.SolvedCount,
		Goal:        decision.Goal,
	}
	var revision int64
	for _, record := range decision.Transactions {
		payload.DeltaXP += record.ResultingTotalXP - record.PreviousTotalXP
		revision = record.Revision
	}
	return realtime.NotificationMessage{
		UserID:    decision.UserID,
		Topic:     realtime.TopicDailyGoalResult,
		Payload:   payload,
		Revision:  revision,
		EmittedAt: emittedAt,
	}
}
