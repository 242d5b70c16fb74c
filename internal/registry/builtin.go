package registry

import "github.com/outflowhq/outflow/pkg/schema"

// Builtin definition constructors. These mirror the standard playbooks most
// companies start from; callers typically register one per company and tune
// templates and thresholds afterwards.

// NewLeadNurturingDefinition builds the standard lead nurture sequence:
// immediate outreach, a follow-up after one day if the lead has not replied,
// and a final follow-up two days later if there is still no reply.
func NewLeadNurturingDefinition(id, companyID string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        id,
		CompanyID: companyID,
		Name:      "Lead nurturing",
		Type:      schema.TypeLeadNurturing,
		Active:    true,
		Trigger: schema.TriggerPredicate{
			EntityType: "lead",
			Match:      map[string]string{"status": "new"},
		},
		Actions: []schema.ActionSpec{
			{
				Name:     "initial_outreach",
				Channel:  schema.ChannelEmail,
				Template: "initial_outreach",
				Delay:    "0s",
			},
			{
				Name:      "followup_day1",
				Channel:   schema.ChannelEmail,
				Template:  "followup",
				Delay:     "24h",
				Condition: "no_reply",
			},
			{
				Name:      "followup_day3",
				Channel:   schema.ChannelEmail,
				Template:  "final_followup",
				Delay:     "48h",
				Condition: "no_reply",
			},
		},
		Templates: map[string]string{
			"initial_outreach": "Hi {{name}}, thanks for reaching out about {{service}}. When would be a good time to talk?",
			"followup":         "Hi {{name}}, just checking in on your {{service}} inquiry. Happy to answer any questions.",
			"final_followup":   "Hi {{name}}, last note from us about {{service}}. Reply any time and we'll pick it up from there.",
		},
	}
}

// NewReviewReferralDefinition builds the post-job review and referral
// sequence: a review request three days after job completion, then a referral
// offer that only goes out if the customer left a positive review. A
// non-positive review ends the run early.
func NewReviewReferralDefinition(id, companyID string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        id,
		CompanyID: companyID,
		Name:      "Review and referral",
		Type:      schema.TypeReviewReferral,
		Active:    true,
		Trigger: schema.TriggerPredicate{
			EntityType: "customer",
			Match:      map[string]string{"job_status": "completed"},
		},
		Actions: []schema.ActionSpec{
			{
				Name:     "review_request",
				Channel:  schema.ChannelSMS,
				Template: "review_request",
				Delay:    "72h",
			},
			{
				Name:        "referral_offer",
				Channel:     schema.ChannelEmail,
				Template:    "referral_offer",
				Delay:       "48h",
				Condition:   "positive_review",
				StopIfFalse: true,
			},
		},
		Templates: map[string]string{
			"review_request": "Hi {{name}}, thanks for choosing us! Would you mind leaving a quick review? {{review_link}}",
			"referral_offer": "Hi {{name}}, glad you had a great experience! Refer a friend and you both get a discount: {{referral_link}}",
		},
		Config: map[string]any{
			"review_rating_threshold": 4,
		},
	}
}

// NewContentGenerationDefinition builds the recurring content publication
// workflow. It has no trigger predicate; a cron schedule or manual dispatch
// starts each run.
func NewContentGenerationDefinition(id, companyID string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        id,
		CompanyID: companyID,
		Name:      "Content generation",
		Type:      schema.TypeContentGeneration,
		Active:    true,
		Actions: []schema.ActionSpec{
			{
				Name:     "generate_post",
				Channel:  schema.ChannelPublish,
				Template: "social_post",
				Delay:    "0s",
			},
		},
		Templates: map[string]string{
			"social_post": "Write a short social media post for {{company_id}} about {{topic}}.",
		},
		Config: map[string]any{
			"topic": "seasonal maintenance tips",
		},
	}
}
