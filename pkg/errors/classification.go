package errors

// classification holds the default handling flags for an error type.
type classification struct {
	severity    Severity
	retryable   bool
	recoverable bool
}

// defaultClassifications maps error types to how the resilience layer treats
// them when the constructor does not say otherwise. Types that are missing
// fall back to a permanent, recoverable, medium-severity failure.
var defaultClassifications = map[ErrorType]classification{
	// Transient failures of the rule source or the path to it.
	ErrorTypeExternal:  {severity: SeverityHigh, retryable: true, recoverable: true},
	ErrorTypeNetwork:   {severity: SeverityHigh, retryable: true, recoverable: true},
	ErrorTypeTimeout:   {severity: SeverityMedium, retryable: true, recoverable: true},
	ErrorTypeRateLimit: {severity: SeverityMedium, retryable: true, recoverable: true},

	// Local pressure; retrying immediately makes it worse.
	ErrorTypeResourceExhaustion: {severity: SeverityHigh, retryable: false, recoverable: true},

	// Permanent for the request that produced them.
	ErrorTypeValidation:     {severity: SeverityLow, retryable: false, recoverable: true},
	ErrorTypeAnalysis:       {severity: SeverityMedium, retryable: false, recoverable: true},
	ErrorTypeAuthentication: {severity: SeverityHigh, retryable: false, recoverable: true},
	ErrorTypeAuthorization:  {severity: SeverityHigh, retryable: false, recoverable: true},
	ErrorTypeNotFound:       {severity: SeverityLow, retryable: false, recoverable: true},

	// No runtime fallback exists for a misconfigured service.
	ErrorTypeConfiguration: {severity: SeverityHigh, retryable: false, recoverable: false},

	ErrorTypeInternal: {severity: SeverityHigh, retryable: false, recoverable: true},
}

func defaultClassification(t ErrorType) classification {
	if c, ok := defaultClassifications[t]; ok {
		return c
	}
	return classification{severity: SeverityMedium, retryable: false, recoverable: true}
}
