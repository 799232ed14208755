package main

const genericToolName = "planning.call"

type toolGroup struct {
	Name        string
	Description string
	Methods     []string
}

var toolGroups = []toolGroup{
	{
		Name:        "planning_entity",
		Description: "Planning entity state: version hashes, status updates, descendants, cascade invalidation and child status.",
		Methods: []string{
			"entity.get",
			"entity.update",
			"entity.record_version",
			"entity.descendants",
			"entity.cascade_invalidate",
			"entity.children_status",
			"entity.hash_file",
		},
	},
	{
		Name:        "planning_state",
		Description: "Workspace paths, open backends and reconciliation between the relational and JSON stores.",
		Methods: []string{
			"workspace.init",
			"state.sync",
		},
	},
	{
		Name:        "planning_session",
		Description: "Copy-on-write sessions: create, switch, resolve and track files, record human retries, commit or cancel.",
		Methods: []string{
			"session.create",
			"session.active",
			"session.list",
			"session.switch",
			"session.resolve",
			"session.track",
			"session.write",
			"session.delete",
			"session.record_retry",
			"session.guard",
			"session.commit",
			"session.cancel",
		},
	},
}

var toolGroupMethodIndex map[string]map[string]bool

func init() {
	toolGroupMethodIndex = make(map[string]map[string]bool, len(toolGroups))
	for _, group := range toolGroups {
		methods := make(map[string]bool, len(group.Methods))
		for _, method := range group.Methods {
			methods[method] = true
		}
		toolGroupMethodIndex[group.Name] = methods
	}
}

func buildToolsList() []map[string]any {
	tools := make([]map[string]any, 0, len(toolGroups)+1)
	for _, group := range toolGroups {
		tools = append(tools, map[string]any{
			"name":        group.Name,
			"description": group.Description,
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"method": map[string]any{
						"type":        "string",
						"description": "Method to call.",
						"enum":        group.Methods,
					},
					"params": map[string]any{
						"type":        "object",
						"description": "Method params object.",
						"default":     map[string]any{},
					},
				},
				"required":             []string{"method"},
				"additionalProperties": false,
			},
		})
	}
	tools = append(tools, map[string]any{
		"name":        genericToolName,
		"description": "Call one planning-state method by name.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"method": map[string]any{
					"type":        "string",
					"description": "Method name (e.g. workspace.init, session.resolve).",
				},
				"params": map[string]any{
					"type":        "object",
					"description": "Method params object.",
					"default":     map[string]any{},
				},
			},
			"required":             []string{"method"},
			"additionalProperties": false,
		},
	})
	return tools
}
