// Package builtin provides the minimal tool set the assistant ships with.
//
// All filesystem tools resolve paths against a workspace scope and refuse
// anything that escapes it. Output is capped so a runaway command cannot
// flood the conversation.
//
// Tools:
//   - read_file: Read file contents, optionally a line range
//   - write_file: Write content to a file
//   - edit_file: Replace text within a file
//   - list_dir: List directory contents
//   - grep: Search file contents with a regex
//   - shell: Execute a shell command
package builtin
