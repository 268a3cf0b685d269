package generation

import (
	"fmt"
	"strings"
)

const rootSystemPrompt = `You are the narrator of an interactive "Choose Your Own Adventure" story.
Write the opening scene for the story idea given by the user.
The scene is written in second person, two to four short paragraphs, and ends at a moment where the reader must decide what to do.
Reply with a single JSON object and nothing else:
{"title": "<short story title>", "text": "<opening scene>"}`

const choicesSystemPrompt = `You are the narrator of an interactive "Choose Your Own Adventure" story.
Given the story so far and the current scene, offer the reader distinct choices.
For every choice write the scene that follows it, in second person, one to three short paragraphs.
Set "is_ending" to true only if the scene concludes the story. Set "is_winning" to true only for endings where the reader succeeds.
Reply with a single JSON object and nothing else:
{"choices": [{"label": "<what the reader does>", "text": "<resulting scene>", "is_ending": false, "is_winning": false}]}`

func rootUserPrompt(prompt string) string {
	return "Story idea: " + prompt
}

func choicesUserPrompt(req ExpandRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story idea: %s\n", req.Prompt)
	if req.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", req.Title)
	}
	if len(req.Path) > 0 {
		b.WriteString("\nStory so far:\n")
		for i, step := range req.Path {
			fmt.Fprintf(&b, "%d. %s\n   The reader chose: %s\n", i+1, step.Text, step.Choice)
		}
	}
	fmt.Fprintf(&b, "\nCurrent scene:\n%s\n\n", req.NodeText)
	fmt.Fprintf(&b, "Offer exactly %d choices.", req.MaxChoices)
	if req.ChildrenAreLeaves() {
		b.WriteString(" This is the final step: every resulting scene must be an ending (is_ending = true), at least one of them a winning ending.")
	} else {
		b.WriteString(" The story continues after these scenes, so they should not be endings unless the choice is clearly fatal.")
	}
	return b.String()
}
