// Package template holds the agent template registry and the capability
// matcher that scores tasks against a template's declared vocabulary.
package template
