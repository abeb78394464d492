package conduit

import "time"

// ResumePolicyBuilder provides a fluent way to construct ResumePolicy
// values for Config.ResumePolicies.
type ResumePolicyBuilder struct {
	policy ResumePolicy
}

// AutoResume creates a ResumePolicyBuilder with the given policy name
// and retry delay. The name is recorded on actions the policy resumes.
func AutoResume(name string, delay time.Duration) ResumePolicyBuilder {
	return ResumePolicyBuilder{
		policy: ResumePolicy{
			Name:  name,
			Delay: delay,
		},
	}
}

// OnErrorContaining limits the policy to errors whose cause contains
// the given text.
func (r ResumePolicyBuilder) OnErrorContaining(substring string) ResumePolicyBuilder {
	p := r.policy
	p.ErrorSubstring = substring
	return ResumePolicyBuilder{policy: p}
}

// ForDataSource limits the policy to DeltaFiles from one data source.
func (r ResumePolicyBuilder) ForDataSource(dataSource string) ResumePolicyBuilder {
	p := r.policy
	p.DataSource = dataSource
	return ResumePolicyBuilder{policy: p}
}

// MaxAttempts stops retrying once an action's attempt count reaches
// maxAttempts.
//
// maxAttempts <= 0 means no limit.
func (r ResumePolicyBuilder) MaxAttempts(maxAttempts int) ResumePolicyBuilder {
	p := r.policy
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	p.MaxAttempts = maxAttempts
	return ResumePolicyBuilder{policy: p}
}

// Policy returns the underlying ResumePolicy.
func (r ResumePolicyBuilder) Policy() ResumePolicy {
	return r.policy
}
