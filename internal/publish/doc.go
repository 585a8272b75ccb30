// Package publish uploads update packages to the blob store under
// collision-resistant names, reusing identical content instead of
// re-uploading it.
package publish
