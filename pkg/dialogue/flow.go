package dialogue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// DefaultTemplateID is the universal "please repeat" fallback used when
// neither the target nor the current phase carries templates.
const DefaultTemplateID = "000"

// Transition is one declared edge of a phase.
type Transition struct {
	Condition string `json:"condition"`
	Target    string `json:"target"`

	// cond is the condition parsed at load time; unknown condition strings
	// parse to a predicate that never matches.
	cond Condition
}

// Phase is one node of the flow graph.
type Phase struct {
	Templates   []string     `json:"templates"`
	Transitions []Transition `json:"transitions"`
}

// HandoffFlow configures the human-transfer confirmation sub-flow.
type HandoffFlow struct {
	ConfirmTemplate string   `json:"confirm_template"`
	ReaskTemplate   string   `json:"reask_template"`
	AcceptTemplate  string   `json:"accept_template"`
	DeclineTemplate string   `json:"decline_template"`
	DonePhase       string   `json:"done_phase"`
	EndPhase        string   `json:"end_phase"`
	YesWords        []string `json:"yes_words"`
	NoWords         []string `json:"no_words"`
	MaxRetries      int      `json:"max_retries"`
}

// FlowDefinition is the declarative phase graph for one tenant. It is
// read-only after load; hot reloads swap the whole definition at the next
// turn boundary, never mid-turn.
type FlowDefinition struct {
	Version         int                 `json:"version"`
	EntryPhase      string              `json:"entry_phase"`
	DefaultTemplate string              `json:"default_template"`
	UnclearTemplate string              `json:"unclear_template"`
	Phases          map[string]*Phase   `json:"phases"`
	Keywords        map[string][]string `json:"keywords"`
	Handoff         HandoffFlow         `json:"handoff_flow"`

	// TemplateTexts maps template ids to the text spoken for them. Ids with
	// no mapping are synthesized verbatim.
	TemplateTexts map[string]string `json:"template_texts"`
}

// TemplateText resolves the spoken text for a template id.
func (d *FlowDefinition) TemplateText(id string) string {
	if text, ok := d.TemplateTexts[id]; ok {
		return text
	}
	return id
}

// ParseFlow decodes and prepares a flow definition from JSON.
func ParseFlow(data []byte) (*FlowDefinition, error) {
	def := &FlowDefinition{}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidFlow, err.Error())
	}

	if len(def.Phases) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidFlow, "flow has no phases")
	}

	if def.EntryPhase == "" {
		def.EntryPhase = "ENTRY"
	}
	if _, ok := def.Phases[def.EntryPhase]; !ok {
		return nil, errors.Wrap(errors.ErrInvalidFlow, "entry phase missing",
			map[string]interface{}{"phase": def.EntryPhase})
	}
	if def.DefaultTemplate == "" {
		def.DefaultTemplate = DefaultTemplateID
	}
	if def.UnclearTemplate == "" {
		def.UnclearTemplate = def.DefaultTemplate
	}
	if def.Handoff.MaxRetries <= 0 {
		def.Handoff.MaxRetries = 1
	}

	// Parse all conditions once; evaluation is structural dispatch, never
	// string scanning.
	for _, phase := range def.Phases {
		for i := range phase.Transitions {
			phase.Transitions[i].cond = ParseCondition(phase.Transitions[i].Condition)
		}
	}

	return def, nil
}

// LoadFlowFile reads and parses one tenant flow from disk.
func LoadFlowFile(path string) (*FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read flow file",
			map[string]interface{}{"path": path})
	}
	return ParseFlow(data)
}

// Registry holds per-tenant flow definitions and supports hot reloading.
// Calls resolve their definition once per turn, so a swapped definition
// takes effect at the next turn boundary.
type Registry struct {
	logger *logrus.Logger
	dir    string

	mu    sync.RWMutex
	flows map[string]*FlowDefinition
}

// NewRegistry creates an empty registry rooted at dir.
func NewRegistry(logger *logrus.Logger, dir string) *Registry {
	return &Registry{
		logger: logger,
		dir:    dir,
		flows:  make(map[string]*FlowDefinition),
	}
}

// LoadAll loads every *.json flow in the registry directory. Individual bad
// files are logged and skipped so one broken tenant cannot take down the
// rest.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return errors.Wrap(err, "failed to read flow directory",
			map[string]interface{}{"dir": r.dir})
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		tenant := entry.Name()[:len(entry.Name())-len(".json")]
		if err := r.Reload(tenant); err != nil {
			r.logger.WithError(err).WithField("tenant", tenant).Error("Failed to load flow definition")
			continue
		}
		loaded++
	}

	r.logger.WithFields(logrus.Fields{
		"dir":    r.dir,
		"loaded": loaded,
	}).Info("Flow definitions loaded")
	return nil
}

// Reload re-reads one tenant's flow from disk and swaps it in.
func (r *Registry) Reload(tenant string) error {
	def, err := LoadFlowFile(filepath.Join(r.dir, tenant+".json"))
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.flows[tenant] = def
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"tenant":  tenant,
		"version": def.Version,
		"phases":  len(def.Phases),
	}).Info("Flow definition reloaded")
	return nil
}

// Register installs a definition directly (tests, embedded defaults).
func (r *Registry) Register(tenant string, def *FlowDefinition) {
	r.mu.Lock()
	r.flows[tenant] = def
	r.mu.Unlock()
}

// Get returns the current definition for a tenant.
func (r *Registry) Get(tenant string) (*FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.flows[tenant]
	if !ok {
		return nil, errors.Wrap(errors.ErrFlowNotFound, "no flow for tenant",
			map[string]interface{}{"tenant": tenant})
	}
	return def, nil
}
