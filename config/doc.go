// Package config loads agentcoord YAML files and builds the collaborators a
// coordinator needs from them: provider and agent registries, skills,
// permission policies, storage and the workspace store.
//
// A minimal file:
//
//	providers:
//	  - name: main
//	    type: openai
//	    model: gpt-4o-mini
//	    api_key: ${OPENAI_API_KEY}
//	agents:
//	  - name: writer
//	    provider: main
//	    system_prompt: You write concise answers.
//	    context_window_budget: 8000
//	permissions:
//	  default: ask
//	  global:
//	    - action_kind: file_read
//	      action: allow
//
// Environment variables are expanded before parsing. Unknown keys are
// rejected. Every validation failure is a core.KindConfiguration error.
package config
