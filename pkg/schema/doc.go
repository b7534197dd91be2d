/*
Package schema implements runtime shape checking of document values and the
subset relation over validators that lets schema changes skip full-table
revalidation.

A Validator is a closed tagged sum mirroring the value model: the leaf
types, Literal, Id(table), the container types, Object with per-field
optionality, Union, and Any. CheckValue walks a value against a validator
and reports failures with a JSON-path-like context string pointing at the
offending subtree.

IsSubset is a sound one-sided approximation of "every value admitted by A
is admitted by B": false negatives are allowed, false positives are not.
The transactional store uses it when a schema changes — if the previously
enforced validator for a table is a subset of the new one, every stored
document already conforms and the table needs no scan.

Table references resolve late: Id(table) validators hold the table name and
only look it up against the active table mapping at validation time, which
is what lets schemas reference tables that do not exist yet and lets
cyclic references between tables validate without ordering.
*/
package schema
