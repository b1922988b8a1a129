package metrics

// Contract metric names. Dashboards and alerts key on these; renaming one
// is a breaking change.
const (
	RequestsTotal          = "guardrail_requests_total"
	DecisionsTotal         = "guardrail_decisions_total"
	DecisionsFamilyTotal   = "guardrail_decisions_family_total"
	DecisionsFamilyBot     = "guardrail_decisions_family_bot_total"
	IdempReplaySum         = "guardrail_idemp_replay_count_sum"
	IdempReplayCount       = "guardrail_idemp_replay_count_count"
	IdempTouchesTotal      = "guardrail_idemp_touches_total"
	IdempStuckLocksTotal   = "guardrail_idemp_stuck_locks_total"
	IdempBackoffTotal      = "guardrail_idemp_follower_backoff_total"
	WebhookDLQLength       = "guardrail_webhook_dlq_length"
	WebhookAbortTotal      = "webhook_abort_total"
	VerifierRouterRank     = "verifier_router_rank_total"
	ArmMode                = "guardrail_arm_mode"
	ArmTransitionsTotal    = "guardrail_arm_transitions_total"
	PolicyReloadBlocked    = "policy_reload_blocked_total"
	IngressPathViolation   = "ingress_path_violation_report"
	DupHeaderTotal         = "guardrail_duplicate_header_total"
	UnicodeFlagsTotal      = "guardrail_unicode_flags_total"
	IngressDecodeTotal     = "ingress_decode_total"
	ArchiveDepthBlocked    = "ingress_archive_depth_blocked_total"
	RequestLatencySeconds  = "guardrail_request_latency_seconds"
	BusSubscribers         = "guardrail_bus_subscribers"
)
