package dispatch

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userLifecycleHandler struct {
	rec     *recorder
	opts    map[string]MethodOptions
	enabled bool
}

func (h *userLifecycleHandler) OnUserCreated(e *userCreated) { h.rec.note("created:" + e.name) }
func (h *userLifecycleHandler) OnUserDeleted(e *userDeleted) { h.rec.note("deleted:" + e.name) }
func (h *userLifecycleHandler) Enabled() bool                { return h.enabled }
func (h *userLifecycleHandler) SubscriberOptions() map[string]MethodOptions {
	return h.opts
}

// Once is not a subscriber: the rune after "On" is lower case.
func (h *userLifecycleHandler) Once(e *userCreated) { h.rec.note("once") }

type accountAuditor struct {
	rec *recorder
}

func (h *accountAuditor) OnAccountEvent(e accountEvent) { h.rec.note("account:" + e.accountID()) }
func (h *accountAuditor) SubscriberOptions() map[string]MethodOptions {
	return map[string]MethodOptions{
		"OnAccountEvent": {AcceptVariants: true},
	}
}

type plainFuncHandler struct {
	rec *recorder
}

// Handle lacks the On prefix and is silently ignored.
func (h *plainFuncHandler) Handle(e *userCreated) { h.rec.note("handle") }

type badArityHandler struct{}

func (h *badArityHandler) OnPair(a *userCreated, b *userDeleted) {}

type badReturnHandler struct{}

func (h *badReturnHandler) OnUserCreated(e *userCreated) error { return nil }

type badParamHandler struct{}

func (h *badParamHandler) OnString(s string) {}

type bareInterfaceHandler struct{}

func (h *bareInterfaceHandler) OnAccountEvent(e accountEvent) {}

type variantOnConcreteHandler struct{}

func (h *variantOnConcreteHandler) OnUserCreated(e *userCreated) {}
func (h *variantOnConcreteHandler) SubscriberOptions() map[string]MethodOptions {
	return map[string]MethodOptions{
		"OnUserCreated": {AcceptVariants: true},
	}
}

type unknownOptionHandler struct{}

func (h *unknownOptionHandler) OnUserCreated(e *userCreated) {}
func (h *unknownOptionHandler) SubscriberOptions() map[string]MethodOptions {
	return map[string]MethodOptions{
		"OnMissing": {Priority: 1},
	}
}

type nilFilterHandler struct{}

func (h *nilFilterHandler) OnUserCreated(e *userCreated) {}
func (h *nilFilterHandler) SubscriberOptions() map[string]MethodOptions {
	return map[string]MethodOptions{
		"OnUserCreated": {Filter: func() Filter { return nil }},
	}
}

func TestAnalyzeBuildsDescriptors(t *testing.T) {
	h := &userLifecycleHandler{rec: &recorder{}, enabled: true}
	descriptors, err := Analyze(h)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	// Reflection enumerates methods alphabetically.
	created, deleted := descriptors[0], descriptors[1]
	assert.Equal(t, "OnUserCreated", created.Method())
	assert.Equal(t, reflect.TypeOf(&userCreated{}), created.EventType())
	assert.Equal(t, 0, created.Priority())
	assert.False(t, created.Forced())
	assert.False(t, created.AcceptsVariants())
	assert.Nil(t, created.Filter())
	assert.Same(t, h, created.Target())
	assert.NotEmpty(t, created.ID())

	assert.Equal(t, "OnUserDeleted", deleted.Method())
	assert.NotEqual(t, created.ID(), deleted.ID())

	created.invoke(&userCreated{name: "alice"})
	assert.Equal(t, []string{"created:alice"}, h.rec.snapshot())
}

func TestAnalyzeAppliesMetadata(t *testing.T) {
	var made *initRecordingFilter
	h := &userLifecycleHandler{
		rec: &recorder{},
		opts: map[string]MethodOptions{
			"OnUserCreated": {
				Priority: 7,
				Forced:   true,
				Filter: func() Filter {
					made = &initRecordingFilter{allow: true}
					return made
				},
			},
		},
	}

	descriptors, err := Analyze(h)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	created := descriptors[0]
	assert.Equal(t, 7, created.Priority())
	assert.True(t, created.Forced())
	require.NotNil(t, made)
	assert.Same(t, made, created.Filter())
	assert.Same(t, created, made.initialized)
}

func TestAnalyzeVariantSubscriber(t *testing.T) {
	h := &accountAuditor{rec: &recorder{}}
	descriptors, err := Analyze(h)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	d := descriptors[0]
	assert.True(t, d.AcceptsVariants())
	assert.Equal(t, reflect.Interface, d.EventType().Kind())

	d.invoke(&accountCreated{id: "a1"})
	assert.Equal(t, []string{"account:a1"}, h.rec.snapshot())
}

func TestAnalyzeIgnoresUnmarkedMethods(t *testing.T) {
	descriptors, err := Analyze(&plainFuncHandler{rec: &recorder{}})
	require.NoError(t, err)
	assert.Empty(t, descriptors)
}

func TestAnalyzeNilHandler(t *testing.T) {
	_, err := Analyze(nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestAnalyzeRejections(t *testing.T) {
	cases := []struct {
		name    string
		handler any
		method  string
	}{
		{"two parameters", &badArityHandler{}, "OnPair"},
		{"return value", &badReturnHandler{}, "OnUserCreated"},
		{"non-event parameter", &badParamHandler{}, "OnString"},
		{"interface without AcceptVariants", &bareInterfaceHandler{}, "OnAccountEvent"},
		{"AcceptVariants on concrete", &variantOnConcreteHandler{}, "OnUserCreated"},
		{"options name unknown method", &unknownOptionHandler{}, "OnMissing"},
		{"filter factory returns nil", &nilFilterHandler{}, "OnUserCreated"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			descriptors, err := Analyze(tc.handler)
			assert.Nil(t, descriptors)

			var subErr *SubscriptionError
			require.ErrorAs(t, err, &subErr)
			assert.Equal(t, tc.method, subErr.Method)
		})
	}
}

func TestSetFilterSkipsInit(t *testing.T) {
	h := &userLifecycleHandler{rec: &recorder{}}
	descriptors, err := Analyze(h)
	require.NoError(t, err)

	f := &initRecordingFilter{allow: true}
	descriptors[0].SetFilter(f)
	assert.Same(t, f, descriptors[0].Filter())
	assert.Nil(t, f.initialized)
}

func TestNewDescriptorFor(t *testing.T) {
	rec := &recorder{}
	d, err := NewDescriptorFor(nil, func(e *userCreated) { rec.note("fn:" + e.name) }, MethodOptions{Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Priority())
	assert.Equal(t, reflect.TypeOf(&userCreated{}), d.EventType())

	d.invoke(&userCreated{name: "bob"})
	assert.Equal(t, []string{"fn:bob"}, rec.snapshot())

	_, err = NewDescriptorFor[*userCreated](nil, nil, MethodOptions{})
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = NewDescriptorFor(nil, func(e accountEvent) {}, MethodOptions{})
	var subErr *SubscriptionError
	assert.ErrorAs(t, err, &subErr)

	_, err = NewDescriptorFor(nil, func(e *userCreated) {}, MethodOptions{AcceptVariants: true})
	assert.ErrorAs(t, err, &subErr)

	vd, err := NewDescriptorFor(nil, func(e accountEvent) { rec.note("var:" + e.accountID()) }, MethodOptions{AcceptVariants: true})
	require.NoError(t, err)
	assert.True(t, vd.AcceptsVariants())
}
