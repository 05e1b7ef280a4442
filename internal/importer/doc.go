// Package importer defines the domain model shared by the recipe import
// pipeline: jobs, recipes, fetched content and the collaborator contracts the
// runner depends on.
package importer
