package llm

// Prompt templates for the two extraction calls. Kept deliberately
// short; tuning the wording is an exercise for deployments, not for this
// package.

const entityPromptTemplate = `
# Task Context
You extract entities from a text passage for a knowledge graph governed
by ontology "%s" (version %s).

# Rules
- Identify every entity of the types [%s] explicitly present in the text.
- mention is the surface form exactly as it appears in the text.
- types lists the matching ontology types for the entity.
- attributes holds explicit key-value facts about the entity (dates,
  quantities, roles); leave it empty when the text states none.
- Never invent entities that the text does not mention.

# Output Formatting
Return a JSON object: {"entities": [{"mention", "types", "attributes"}]}.
`

const relationPromptTemplate = `
# Task Context
You extract relations between known entities from a text passage for a
knowledge graph governed by ontology "%s" (version %s).

# Background Data
Entities already identified in this passage:
%s

# Rules
- Only report relations the text explicitly supports.
- subject_mention and object_mention must be mentions from the entity
  list above. When the object is a plain value (a date, a number, a
  quoted phrase) set object_literal instead of object_mention.
- predicate is a short lower_snake_case verb phrase ("founded",
  "headquartered_in", "works_for").

# Output Formatting
Return a JSON object: {"relations": [{"subject_mention", "predicate",
"object_mention", "object_literal"}]}.
`

var defaultEntityTypes = []string{
	"ORGANIZATION", "PERSON", "LOCATION", "CONCEPT",
	"CREATIVE_WORK", "DATE", "PRODUCT", "EVENT",
}
