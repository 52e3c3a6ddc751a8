package flowdef

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nuulab/flowcore/pkg/dsl"
)

type orderState struct {
	FlowID   string
	Total    int
	Approved bool
}

func (s *orderState) GetFlowID() string    { return s.FlowID }
func (s *orderState) SetFlowID(id string) { s.FlowID = id }

type chargeCmd struct{}

func (chargeCmd) MessageID() int64 { return 1 }

func baseRegistry() *Registry {
	reg := NewRegistry()
	reg.Message("charge", func(state any) any { return chargeCmd{} })
	reg.Predicate("is-large-order", func(state any) bool {
		return state.(*orderState).Total > 1000
	})
	reg.Binder("mark-approved", func(state any, result any) any {
		s := state.(*orderState)
		s.Approved = true
		return s
	})
	return reg
}

func TestParseDecodesLinearDocument(t *testing.T) {
	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: send
    name: charge-card
    message: charge
    into: mark-approved
`))
	require.NoError(t, err)
	require.Equal(t, "checkout", doc.Name)
	require.Len(t, doc.Steps, 1)
	require.Equal(t, "send", doc.Steps[0].Kind)
}

func TestBuildCompilesLinearFlow(t *testing.T) {
	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: send
    name: charge-card
    message: charge
    into: mark-approved
`))
	require.NoError(t, err)

	cfg, err := Build(doc, baseRegistry())
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestBuildCompilesNestedIf(t *testing.T) {
	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: if
    name: check-size
    condition: is-large-order
    then:
      - kind: send
        name: charge-card
        message: charge
    else:
      - kind: send
        name: charge-card-small
        message: charge
`))
	require.NoError(t, err)

	cfg, err := Build(doc, baseRegistry())
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestBuildRejectsUnknownMessageKey(t *testing.T) {
	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: send
    name: charge-card
    message: does-not-exist
`))
	require.NoError(t, err)

	_, err = Build(doc, baseRegistry())
	require.Error(t, err)
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: teleport
    name: bad-step
`))
	require.NoError(t, err)

	_, err = Build(doc, baseRegistry())
	require.Error(t, err)
}

func TestBuildCompilesForEach(t *testing.T) {
	reg := baseRegistry()
	reg.Selector("line-items", func(state any) any { return []int{1, 2, 3} })

	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: foreach
    name: charge-each-item
    source: line-items
    item_steps:
      - kind: send
        name: charge-item
        message: charge
`))
	require.NoError(t, err)

	cfg, err := Build(doc, reg)
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestBuildCompilesWhenAll(t *testing.T) {
	reg := baseRegistry()
	reg.Message("other-charge", func(state any) any { return chargeCmd{} })

	doc, err := Parse([]byte(`
name: checkout
steps:
  - kind: when_all
    name: charge-everything
    children:
      - charge
      - other-charge
`))
	require.NoError(t, err)

	cfg, err := Build(doc, reg)
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

var _ dsl.Identifiable = (*orderState)(nil)
