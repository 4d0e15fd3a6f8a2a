package shared

import (
	"context"

	"github.com/atlas-erp/atlas/internal/policy"
)

type subjectContextKey struct{}

// ContextWithSubject stores the resolved authorization subject in context.
func ContextWithSubject(ctx context.Context, subject policy.User) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFromContext extracts the authorization subject from context.
func SubjectFromContext(ctx context.Context) (policy.User, bool) {
	subject, ok := ctx.Value(subjectContextKey{}).(policy.User)
	return subject, ok
}
