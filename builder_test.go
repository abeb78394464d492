package conduit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlowBuilderDefinitions(t *testing.T) {
	t.Parallel()

	source := NewDataSource("files").Publish("raw").Definition()
	require.Equal(t, FlowTypeDataSource, source.Type)
	require.Equal(t, []string{"raw"}, source.PublishTopics)
	require.NoError(t, source.Validate())

	transform := NewTransform("normalize").
		Subscribe("raw").
		ActionWithParameters("Normalize", map[string]any{"mode": "strict"}).
		Publish("clean").
		Definition()
	require.NoError(t, transform.Validate())
	require.Len(t, transform.Actions, 1)
	require.Equal(t, "TRANSFORM", string(transform.Actions[0].Type))
	require.Equal(t, "strict", transform.Actions[0].Parameters["mode"])

	sink := NewDataSink("archive").
		Subscribe("clean").
		Action("Archive").
		ExpectAnnotations("classification").
		Definition()
	require.NoError(t, sink.Validate())
	require.Equal(t, "EGRESS", string(sink.Actions[0].Type))
	require.Equal(t, []string{"classification"}, sink.ExpectedAnnotations)
}

func TestFlowBuilderJoinCopiesPolicy(t *testing.T) {
	t.Parallel()

	policy := JoinPolicy{MaxAge: time.Minute, MaxNum: 3, MetadataKey: "batch"}
	def := NewTransform("aggregate").
		Subscribe("readings").
		Action("Merge").
		Publish("merged").
		Join(policy).
		Definition()

	require.NotNil(t, def.Join)
	policy.MaxNum = 99
	require.Equal(t, 3, def.Join.MaxNum, "builder must not alias the caller's policy")
}

func TestFlowBuilderPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { NewDataSource("") })
	require.Panics(t, func() { NewTransform("t").Action("") })

	eng := NewInMemoryEngine()
	require.Panics(t, func() {
		// A source without topics fails validation.
		NewDataSource("files").MustRegister(eng)
	})
}

func TestFlowBuilderRegister(t *testing.T) {
	t.Parallel()

	eng := NewInMemoryEngine()
	require.NoError(t, NewDataSource("files").Publish("raw").Register(eng))
	require.Error(t, NewTransform("broken").Register(eng))
}

func TestResumePolicyBuilder(t *testing.T) {
	t.Parallel()

	policy := AutoResume("retry-delivery", 30*time.Second).
		OnErrorContaining("unavailable").
		ForDataSource("orders").
		MaxAttempts(5).
		Policy()

	require.Equal(t, "retry-delivery", policy.Name)
	require.Equal(t, 30*time.Second, policy.Delay)
	require.Equal(t, "unavailable", policy.ErrorSubstring)
	require.Equal(t, "orders", policy.DataSource)
	require.Equal(t, 5, policy.MaxAttempts)

	unlimited := AutoResume("any", time.Second).MaxAttempts(-3).Policy()
	require.Zero(t, unlimited.MaxAttempts)
}
