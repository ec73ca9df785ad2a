package mcpserver

// InputFormatContract describes the CSV layout the merge tools expect and
// produce, for LLM consumers preparing input folders.
const InputFormatContract = `# nilmprep Input Format

Every input is a headed, comma-separated CSV file.

## Join mode (default)

- One file per device. The file name up to the first dot becomes the
  column name of the device in the merged table (` + "`" + `kettle.csv` + "`" + ` -> ` + "`" + `kettle` + "`" + `).
- Each file has an index column (default ` + "`" + `timestamp` + "`" + `) and a value column
  (default ` + "`" + `power` + "`" + `). Other columns are ignored.
- Timestamps are either epoch integers (unit set by ` + "`" + `merge.time_unit` + "`" + `,
  milliseconds by default) or dates such as ` + "`" + `2020-03-17 09:30:00` + "`" + `.
- Values are numbers. Empty cells, ` + "`" + `nan` + "`" + `, ` + "`" + `NA` + "`" + ` and ` + "`" + `null` + "`" + ` are missing.

## Concat mode

- All files share the same index column; rows are stacked in file name order.

## Output

- The output has the index column first, then one column per device in file
  name order (or manifest order).
- Missing cells are filled with ` + "`" + `merge.fill` + "`" + ` (0 by default) unless filling
  is disabled, in which case they are left empty.
- Rows are sorted chronologically when every key is a timestamp.
- The output extension selects the format: ` + "`" + `.csv` + "`" + `, ` + "`" + `.xlsx` + "`" + `, ` + "`" + `.db` + "`" + `/` + "`" + `.sqlite` + "`" + `.

## Manifest

A manifest restricts and orders the inputs and may rename columns:

` + "```" + `yaml
files:
  - label_001.csv
  - file: label_002.csv
    name: toaster
` + "```" + `

or, as plain text, one ` + "`" + `file` + "`" + ` or ` + "`" + `file = name` + "`" + ` per line.
`
