package agent

import (
	"fmt"
	"strings"

	"github.com/imkarma/forge/internal/store"
)

// BuildInstruction creates the full instruction for the executor working
// on a task. It includes:
// 1. A role header for the task's phase
// 2. The task direction
// 3. The operator's decision, when the task was resumed after a pause
// 4. The line protocol the executor reports through
func BuildInstruction(task *store.Task) string {
	parts := []string{
		roleHeader(task.TaskType),
		taskSection(task),
	}
	if task.Decision != nil && *task.Decision != "" {
		parts = append(parts, decisionSection(task))
	}
	parts = append(parts, roleInstructions(task.TaskType), protocolSection)
	return strings.Join(parts, "\n\n")
}

func roleHeader(tt store.TaskType) string {
	switch tt {
	case store.TypeDesign:
		return "# You are a Software Architect\nYour job is to produce a concrete design for the work item: components, interfaces and the order in which to build them."
	case store.TypeImplement:
		return "# You are a Software Developer\nYour job is to implement the task. Write clean, tested code. If something is unclear, say so explicitly."
	case store.TypeTest:
		return "# You are a QA Engineer\nYour job is to verify the implementation works correctly. Run the tests and validate the behavior."
	case store.TypeReview:
		return "# You are a Code Reviewer\nYour job is to review the changes made for this task. Focus on bugs, security issues, and logic errors. Ignore style nitpicks."
	case store.TypeHeal:
		return "# You are an Incident Responder\nThe pipeline reported a health problem. Diagnose the cause and fix it or explain what an operator must do."
	default:
		return fmt.Sprintf("# You are working on: %s", tt)
	}
}

func taskSection(task *store.Task) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s** (%s)\n", task.ID, task.TaskType))
	if task.Attempt > 0 {
		sb.WriteString(fmt.Sprintf("Attempt: %d (a previous attempt failed)\n", task.Attempt+1))
	}
	sb.WriteString("\n### Direction\n")
	sb.WriteString(task.Direction)
	sb.WriteString("\n")
	return sb.String()
}

func decisionSection(task *store.Task) string {
	var sb strings.Builder
	sb.WriteString("## Operator Decision\n")
	if task.DecisionPrompt != nil && *task.DecisionPrompt != "" {
		sb.WriteString(fmt.Sprintf("You asked: %s\n", *task.DecisionPrompt))
	}
	sb.WriteString(fmt.Sprintf("The operator answered: %s\n", *task.Decision))
	sb.WriteString("Continue the task using this answer. Do not ask the same question again.")
	return sb.String()
}

func roleInstructions(tt store.TaskType) string {
	switch tt {
	case store.TypeReview:
		return `## Response Format
Respond in this exact format:

VERDICT: APPROVE or REJECT

COMMENTS:
- file:line: description of issue

If approving, briefly explain why the changes look good.
If rejecting, list specific issues that must be fixed.`

	case store.TypeTest:
		return `## Response Format
Run the test suite and finish with exactly one line:

TESTS: PASS
or
TESTS: FAIL

Before a FAIL line, list the failing tests and their errors.`

	case store.TypeImplement:
		return `## Instructions
- Make the changes needed to complete this task
- If you're unsure about something, state it clearly rather than guessing
- Focus on the specific task, don't refactor unrelated code`

	default:
		return ""
	}
}

const protocolSection = `## Reporting
- Report progress on its own line as: PROGRESS: <percent> <current step>
- If you cannot continue without a human decision, say: NEEDS_DECISION: [your question]`
