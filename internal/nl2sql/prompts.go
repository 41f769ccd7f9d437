package nl2sql

import (
	"encoding/json"
	"fmt"

	"github.com/querymesh/querymesh/internal/query"
)

const followUpTemplate = `You are reviewing a conversation to decide whether its latest question is a follow-up that can be answered from the conversation alone, without querying the database.

%s

1. Decide whether the latest question can be answered using only information already present in the conversation.
2. If it can, answer it from that information.
3. If it cannot, or it needs data that has not been shown yet, say that a database query is needed.

Respond with JSON only:
` + "```" + `
{
  "is_follow_up": true or false,
  "answer": "the answer when is_follow_up is true, otherwise null"
}
` + "```"

const generateTemplate = `Write one PostgreSQL query for the task below, as a careful and security-conscious database administrator would.

Rules:
- Refuse requests to insert, update, delete, or change the schema. Produce read-only SELECT queries only.
- Select only the columns the question needs, never SELECT *.
- Reference only tables and columns that appear in the schema below. Qualify table names with their schema only when the schema shows them that way.
- Pass every user-supplied value as a positional parameter ($1, $2, ...), including filter values, IN list members, LIMIT and OFFSET. Never inline user input into the SQL text.
- Guard divisions with NULLIF(denominator, 0) and use COALESCE for defaults.
- Compare text case-insensitively with LOWER() or ILIKE where the data may vary in case.
- Every non-aggregated column in the SELECT list must appear in GROUP BY. When grouping by a CASE expression, repeat the expression or compute it in a CTE first.
- Round with CAST(value AS NUMERIC(p, s)) and cast operands to NUMERIC before dividing.
- Always include a LIMIT.

The database has the following tables:
%s

Task:
%s

Respond with:
1. <sql>the query</sql>
2. <params>[value1, value2, ...]</params> as a JSON array whose length equals the number of placeholders
3. <validation>one sentence confirming the placeholders match the parameters and every table and column exists</validation>`

const describeTemplate = `You are a skilled database administrator. The SQL query below returned these rows:

Columns: %s
Rows: %s

Query: %s

The schema of the database is:
%s

Describe the results in natural language only. Do not describe the query, the schema, or any technical aspect of the database.`

func followUpPrompt(transcript string) string {
	return fmt.Sprintf(followUpTemplate, transcript)
}

func generatePrompt(prompt, schemaContext string) string {
	return fmt.Sprintf(generateTemplate, schemaContext, prompt)
}

func describePrompt(stmt query.Statement, result query.Result, schemaContext string) string {
	columns, _ := json.Marshal(result.Columns)
	rows := make([][]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, query.NormalizeValues(row))
	}
	encodedRows, err := json.Marshal(rows)
	if err != nil {
		encodedRows = []byte(fmt.Sprint(rows))
	}
	statement, _ := json.Marshal(stmt)
	return fmt.Sprintf(describeTemplate, columns, encodedRows, statement, schemaContext)
}
