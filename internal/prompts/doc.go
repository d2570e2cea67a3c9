// Package prompts contains the model instructions Jenny sends.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with fmt.Sprintf and validated by
// tests. Operators replace the persona with agent.persona_file; the
// surrounding context sections are always generated here.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the final string.
package prompts
