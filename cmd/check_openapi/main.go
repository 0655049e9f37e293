// Command check_openapi lints docs/openapi.yaml: every operation must
// declare responses, every $ref must resolve, and error responses must
// use the shared ErrorResponse schema.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Summary   string              `yaml:"summary"`
	Responses map[string]response `yaml:"responses"`
}

type response struct {
	Description string               `yaml:"description"`
	Content     map[string]mediaType `yaml:"content"`
}

type mediaType struct {
	Schema schema `yaml:"schema"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

func main() {
	path := "docs/openapi.yaml"
	if len(os.Args) == 2 {
		path = os.Args[1]
	} else if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [openapi.yaml]\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(path)
	if err != nil {
		exitErr(err)
	}

	var problems []string
	problems = append(problems, checkErrorSchema(doc)...)
	problems = append(problems, checkOperations(doc)...)

	if len(problems) > 0 {
		sort.Strings(problems)
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, p)
		}
		os.Exit(1)
	}
	fmt.Printf("%s: ok (%d paths, %d schemas)\n", path, len(doc.Paths), len(doc.Components.Schemas))
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func checkErrorSchema(doc openAPIDoc) []string {
	errSchema, ok := doc.Components.Schemas["ErrorResponse"]
	if !ok {
		return []string{"components: ErrorResponse schema is missing"}
	}
	var problems []string
	for _, field := range []string{"error", "code"} {
		if _, ok := errSchema.Properties[field]; !ok {
			problems = append(problems, fmt.Sprintf("ErrorResponse: property %q is missing", field))
		}
		if !contains(errSchema.Required, field) {
			problems = append(problems, fmt.Sprintf("ErrorResponse: property %q must be required", field))
		}
	}
	return problems
}

func checkOperations(doc openAPIDoc) []string {
	var problems []string
	for path, ops := range doc.Paths {
		for method, op := range ops {
			where := fmt.Sprintf("%s %s", strings.ToUpper(method), path)
			if len(op.Responses) == 0 {
				problems = append(problems, where+": no responses declared")
				continue
			}
			for status, resp := range op.Responses {
				for _, media := range resp.Content {
					problems = append(problems, checkRefs(doc, where+" "+status, media.Schema)...)
					if status[0] == '4' || status[0] == '5' {
						if ref := refName(media.Schema); ref != "ErrorResponse" {
							problems = append(problems, fmt.Sprintf("%s %s: error body must reference ErrorResponse, got %q", where, status, ref))
						}
					}
				}
			}
		}
	}
	return problems
}

func checkRefs(doc openAPIDoc, where string, s schema) []string {
	var problems []string
	if s.Ref != "" {
		if _, ok := doc.Components.Schemas[refName(s)]; !ok {
			problems = append(problems, fmt.Sprintf("%s: unresolved $ref %q", where, s.Ref))
		}
	}
	if s.Items != nil {
		problems = append(problems, checkRefs(doc, where, *s.Items)...)
	}
	for name, prop := range s.Properties {
		problems = append(problems, checkRefs(doc, where+"."+name, prop)...)
	}
	return problems
}

func refName(s schema) string {
	if s.Ref == "" {
		return ""
	}
	parts := strings.Split(s.Ref, "/")
	return parts[len(parts)-1]
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
