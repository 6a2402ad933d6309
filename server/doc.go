/*
Package server implements a search engine over the IMQS record store.

Concepts

Records belong to datatypes. A datatype may have child datatypes, whose records live inside a
record of the parent, and it may link to other datatypes, whose records are referenced by a record
of the datatype. The grandparent of a record is the top-level record that it ultimately lives in.
Every search returns grandparent record ids of one datatype, called the target.

A search is described by a search key. The key is a canonical string, so two searches that mean
the same thing produce the same key, and therefore share one cache entry.

Search Keys

A search key is a list of name=value terms, separated by a pipe character. Terms are sorted, and
values are percent-escaped, so that the key is stable:

	dt_id=1|2=abelsonite%20OR%20structure|merge=OR

The terms are

	dt_id           The target datatype. Required.
	gen             General search: the value is searched in every text field of the target
	                and its children.
	gen_lim         As gen, but limited to the target datatype itself.
	<df>            A term on datafield <df>.
	<df>_s, <df>_e  Start and end of a date range on datafield <df>.
	<dt>_pub        1 for public records of datatype <dt>, 0 for non-public records.
	<dt>_c_s/_c_e   Created between.
	<dt>_m_s/_m_e   Modified between.
	<dt>_cb/_mb     Created by or modified by a user.
	merge           AND (the default) or OR. How the results of the individual fields combine.
	inverse         Return the records of this datatype that link to the results instead.
	ignore          Datatree edges to leave out, as ancestor_descendant pairs.
	sort_by         {"sort_df_id": <df>, "sort_dir": "asc|desc"}, or a list of them.

Field Terms

How a field term is searched depends on the typeclass of the field.

Text and number fields take a small query language. Words are matched as substrings. A word in
double quotes must match exactly. Words are joined with AND, unless separated by OR. A leading
exclamation mark negates a word, and a comparison such as ">= 5" compares numerically:

	abelsonite OR "layered structure"
	!unknown >= 5

Radio and Tag fields take a comma separated list of option ids. A leading minus means that the
option must be unselected. The selections are joined with OR:

	41,-42

Boolean fields take 0 or 1. File and Image fields take 1 to find records that have a file, and 0
to find records that have none.

Visibility

A viewer that may not view a datatype only ever sees the public records of that datatype, whatever
the key asks for. A datatype that is not public at all, and that the viewer may not view, cannot be
searched. Fields marked for logged-in users are not searchable by anonymous viewers.

Results are cached per login state. A cached result is only handed to a viewer whose permissions
produce the same visibility as the viewer for whom it was computed.
*/
package server
