package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunMissingCommand(t *testing.T) {
	if err := run(nil); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunHelp(t *testing.T) {
	if err := run([]string{"help"}); err != nil {
		t.Fatalf("help: %v", err)
	}
	if err := run([]string{"help", "serve"}); err != nil {
		t.Fatalf("help serve: %v", err)
	}
	if err := run([]string{"help", "nope"}); err == nil {
		t.Fatal("expected error for unknown help topic")
	}
}

func TestServeRequiresFlags(t *testing.T) {
	if err := run([]string{"serve"}); err == nil || !strings.Contains(err.Error(), "-schema is required") {
		t.Fatalf("err = %v", err)
	}
	schema := writeFile(t, "schema.graphql", "type Query { hello: String }")
	if err := run([]string{"serve", "-schema", schema}); err == nil || !strings.Contains(err.Error(), "-upstream is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckSchemaReportsDirectives(t *testing.T) {
	schema := writeFile(t, "schema.graphql", `
type Query {
  hello: String
  secret: String @authorize(roles: ["admin"], policies: ["owner"])
  open: String @allowAnonymous
}
`)
	policies := writeFile(t, "policies.txt", "owner = authenticated && subject != ''\n")
	if err := run([]string{"check-schema", "-schema", schema, "-auth.policies", policies}); err != nil {
		t.Fatalf("check-schema: %v", err)
	}
}

func TestCheckSchemaUndefinedPolicy(t *testing.T) {
	schema := writeFile(t, "schema.graphql", `
type Query {
  secret: String @authorize(policies: ["missing"])
}
`)
	policies := writeFile(t, "policies.txt", "owner = authenticated\n")
	err := run([]string{"check-schema", "-schema", schema, "-auth.policies", policies})
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckSchemaInvalidSDL(t *testing.T) {
	schema := writeFile(t, "schema.graphql", "type Query {")
	if err := run([]string{"check-schema", "-schema", schema}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadSchemaKeepsOwnDirectiveDeclaration(t *testing.T) {
	schema := writeFile(t, "schema.graphql", `
directive @authorize(roles: [String!], policies: [String!]) on FIELD_DEFINITION
directive @allowAnonymous on FIELD_DEFINITION

type Query { secret: String @authorize }
`)
	if _, err := loadSchemaFile(schema); err != nil {
		t.Fatalf("load: %v", err)
	}
}
