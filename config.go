package orchestrate

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Saga definitions can be declared in YAML instead of code:
//
//	sagas:
//	  - name: order-fulfillment
//	    deadline: 2m
//	    steps:
//	      - name: reserve-stock
//	        forward: inventory.reserve
//	        compensate: inventory.release
//	      - name: charge-card
//	        forward: payments.charge
//	        compensate: payments.refund
//	        timeout: 10s
//	        retry:
//	          max_attempts: 5
//	      - name: send-receipt
//	        forward: mail.receipt
//	        side_effect_free: true
//	        after: [charge-card]
//
// Action refs are resolved against the Invoker at execution time, so a
// definition file stays valid across deployments as long as the refs do.

type configFile struct {
	Sagas []sagaConfig `yaml:"sagas"`
}

type sagaConfig struct {
	Name     SagaTypeName `yaml:"name"`
	Deadline duration     `yaml:"deadline"`
	Steps    []stepConfig `yaml:"steps"`
}

type stepConfig struct {
	Name           StepName           `yaml:"name"`
	Forward        ActionRef          `yaml:"forward"`
	Compensate     ActionRef          `yaml:"compensate"`
	Timeout        duration           `yaml:"timeout"`
	Retry          *retryPolicyConfig `yaml:"retry"`
	SideEffectFree bool               `yaml:"side_effect_free"`
	After          []StepName         `yaml:"after"`
}

type retryPolicyConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay duration `yaml:"initial_delay"`
	MaxDelay     duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
}

// duration accepts Go duration strings ("10s", "2m") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

func (c *retryPolicyConfig) policy() RetryPolicy {
	if c == nil {
		return DefaultRetryPolicy()
	}
	p := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = time.Duration(c.InitialDelay)
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = time.Duration(c.MaxDelay)
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.Jitter > 0 {
		p.Jitter = c.Jitter
	}
	return p
}

// LoadDefinitions parses YAML saga definitions from r and builds each one
// through the same validation a hand-built definition goes through.
func LoadDefinitions(r io.Reader) ([]*Definition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if len(file.Sagas) == 0 {
		return nil, fmt.Errorf("no sagas defined")
	}

	defs := make([]*Definition, 0, len(file.Sagas))
	for _, sc := range file.Sagas {
		def, err := sc.build()
		if err != nil {
			return nil, fmt.Errorf("saga %q: %w", sc.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDefinitions loads YAML saga definitions from r and registers
// each one.
func RegisterDefinitions(reg *Registry, r io.Reader) error {
	defs, err := LoadDefinitions(r)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (sc sagaConfig) build() (*Definition, error) {
	if sc.Name == "" {
		return nil, fmt.Errorf("saga name must not be empty")
	}
	b := NewDefinitionBuilder(sc.Name)
	if sc.Deadline > 0 {
		b.WithDeadline(time.Duration(sc.Deadline))
	}
	for _, st := range sc.Steps {
		if st.Forward == "" {
			return nil, fmt.Errorf("step %q has no forward action", st.Name)
		}
		b.Append(Step{
			Name:           st.Name,
			Forward:        st.Forward,
			Compensate:     st.Compensate,
			Timeout:        time.Duration(st.Timeout),
			Retry:          st.Retry.policy(),
			SideEffectFree: st.SideEffectFree,
		}, st.After...)
	}
	return b.Build()
}
