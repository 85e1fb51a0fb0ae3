package catalog

import (
	"errors"
	"fmt"

	"paychat/internal/config"
	"paychat/internal/domain"
)

var ErrUnknownTask = errors.New("unknown task")

// Catalog is the read-only set of task definitions. It is built once at
// startup from validated config and never mutated afterwards.
type Catalog struct {
	order []string
	byID  map[string]domain.TaskDefinition
}

// New builds a catalog from config. Config validation already rejects
// duplicate ids and duplicate file types; a failure here means the
// config was not validated and is a programming error.
func New(cfg *config.Config) (*Catalog, error) {
	defs := cfg.TaskDefinitions()
	c := &Catalog{byID: make(map[string]domain.TaskDefinition, len(defs))}
	for _, def := range defs {
		if _, ok := c.byID[def.ID]; ok {
			return nil, fmt.Errorf("duplicate task id %s", def.ID)
		}
		c.order = append(c.order, def.ID)
		c.byID[def.ID] = def
	}
	if len(c.order) == 0 {
		return nil, errors.New("catalog is empty")
	}
	return c, nil
}

// Get looks up a task definition by id.
func (c *Catalog) Get(taskID string) (domain.TaskDefinition, error) {
	def, ok := c.byID[taskID]
	if !ok {
		return domain.TaskDefinition{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return def, nil
}

// List returns all definitions in declaration order.
func (c *Catalog) List() []domain.TaskDefinition {
	defs := make([]domain.TaskDefinition, 0, len(c.order))
	for _, id := range c.order {
		defs = append(defs, c.byID[id])
	}
	return defs
}
