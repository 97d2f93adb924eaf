package errors

import "fmt"

// Admission error constructors. These are expected, user-facing denials:
// they always carry a machine-readable reason and, where applicable,
// remediation data.

// QuotaExceededError is returned when a user is at or over the plan's
// concurrent-tunnel cap.
func QuotaExceededError(plan string, active, max int) *AppError {
	return New(ErrorTypeQuota, "QUOTA_EXCEEDED",
		fmt.Sprintf("plan limit reached: %d tunnels active, plan %q allows %d", active, plan, max)).
		WithSeverity(SeverityLow).
		WithMeta("active_tunnels", active).
		WithMeta("max_tunnels", max).
		WithMeta("plan", plan).
		WithUserMessage("You have reached your plan's tunnel limit. Upgrade your plan to run more tunnels.")
}

// PlanExpiredError is returned when the user's plan expiry has passed.
func PlanExpiredError(plan string) *AppError {
	return New(ErrorTypeQuota, "PLAN_EXPIRED",
		fmt.Sprintf("plan expired: %q is no longer active", plan)).
		WithSeverity(SeverityLow).
		WithMeta("plan", plan).
		WithUserMessage("Your plan has expired. Renew it to create new tunnels.")
}

// UserNotFoundError is returned when the user record is missing.
func UserNotFoundError(userID string) *AppError {
	return New(ErrorTypeNotFound, "USER_NOT_FOUND",
		fmt.Sprintf("user not found: %s", userID)).
		WithSeverity(SeverityLow).
		WithUserMessage("User account not found.")
}

// SystemAtCapacityError is returned when the fleet cannot host another
// tunnel. Distinguishable from quota errors so clients can tell "try again
// later" from "upgrade your plan".
func SystemAtCapacityError(active, total int) *AppError {
	return New(ErrorTypeCapacity, "SYSTEM_AT_CAPACITY",
		fmt.Sprintf("system at capacity: %d/%d tunnels in use", active, total)).
		WithSeverity(SeverityMedium).
		WithMeta("active_tunnels", active).
		WithMeta("total_capacity", total).
		WithUserMessage("The system is at capacity right now. Please try again in a few minutes.")
}

// InstanceNotFoundError is returned for signals that reference an unknown
// instance.
func InstanceNotFoundError(instanceID string) *AppError {
	return New(ErrorTypeNotFound, "INSTANCE_NOT_FOUND",
		fmt.Sprintf("instance not found: %s", instanceID)).
		WithSeverity(SeverityLow).
		WithUserMessage("Instance not found.")
}

// RateLimitedError is returned when ingest throttling rejects a signal.
func RateLimitedError(key string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMITED",
		fmt.Sprintf("rate limit exceeded for %s", key)).
		WithSeverity(SeverityLow).
		WithUserMessage("Too many requests. Slow down and try again.")
}

// DatabaseError wraps a durable-store failure.
func DatabaseError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_ERROR",
		fmt.Sprintf("database %s failed", operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A storage error occurred. Please try again later.")
}

// StateStoreError wraps a shared state store failure.
func StateStoreError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDependency, "STATE_STORE_ERROR",
		fmt.Sprintf("state store %s failed", operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A coordination service is temporarily unavailable.")
}

// ValidationError is returned for malformed boundary input.
func ValidationError(field, reason string) *AppError {
	return New(ErrorTypeValidation, "VALIDATION_FAILED",
		fmt.Sprintf("invalid %s: %s", field, reason)).
		WithSeverity(SeverityLow).
		WithUserMessage(fmt.Sprintf("Invalid %s.", field))
}
