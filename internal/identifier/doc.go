// Package identifier validates, transcodes, encrypts, and signs the opaque
// URNs that address source files and translation outputs.
//
// Two shapes are supported: object identifiers
// (urn:adsk.objects:os.object:bucket/object) and derivative identifiers
// (urn:adsk.viewing:fs.file:<encoded-source>/output/<type>/<guid>).
package identifier
